// Package setup holds the host paths vmdesk uses and the small file operations
// that prepare them: writing the initial configuration and readying the
// daemon socket directory.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
