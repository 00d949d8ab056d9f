package keysym

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

// DuplicatePolicy decides which row survives when a Unicode value (or, for the
// reverse direction, a key symbol) appears more than once in a table source.
type DuplicatePolicy int

const (
	// FirstWins keeps the earliest row and ignores later duplicates.
	FirstWins DuplicatePolicy = iota
	// LastWins lets later rows replace earlier ones.
	LastWins
)

// ParseDuplicatePolicy maps the configuration spelling ("first", "last") to a policy.
func ParseDuplicatePolicy(value string) (DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "first", "first-wins":
		return FirstWins, nil
	case "last", "last-wins":
		return LastWins, nil
	default:
		return FirstWins, fmt.Errorf("unknown duplicate policy %q", value)
	}
}

// Entry is one immutable row of the conversion table.
type Entry struct {
	Rune   rune
	Keysym uint32
}

// Stats summarises what happened while loading a table.
type Stats struct {
	Rows       int // non-blank, non-comment lines seen
	Accepted   int
	Malformed  int
	Duplicates int
}

// Table maps Unicode scalar values to X11 key symbols and back. It is read-only
// once Load returns and safe for concurrent use.
type Table struct {
	toKeysym map[rune]uint32
	toRune   map[uint32]rune
	stats    Stats
}

// Option configures Load.
type Option func(*loadOptions)

type loadOptions struct {
	duplicates DuplicatePolicy
}

// WithDuplicatePolicy selects how repeated Unicode values are resolved.
func WithDuplicatePolicy(policy DuplicatePolicy) Option {
	return func(o *loadOptions) {
		o.duplicates = policy
	}
}

// Load parses a two-column table: hexadecimal key symbol, hexadecimal Unicode
// value. Rows that cannot be parsed are skipped individually; only a failure
// to read from r is returned as an error.
func Load(r io.Reader, opts ...Option) (*Table, error) {
	if r == nil {
		return nil, fmt.Errorf("keysym table source is nil")
	}
	options := loadOptions{duplicates: FirstWins}
	for _, opt := range opts {
		opt(&options)
	}

	table := &Table{
		toKeysym: make(map[rune]uint32),
		toRune:   make(map[uint32]rune),
	}

	reader := bufio.NewReader(r)
	for {
		line, tooLong, err := readRow(reader)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("read keysym table: %w", err)
		}
		if tooLong {
			table.stats.Rows++
			table.stats.Malformed++
		} else if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
			table.stats.Rows++
			if entry, ok := parseRow(line); ok {
				table.insert(entry, options.duplicates)
			} else {
				table.stats.Malformed++
			}
		}
		if err == io.EOF {
			return table, nil
		}
	}
}

// maxRowLength bounds a single table row. Longer rows are drained and counted
// as malformed.
const maxRowLength = 256

func readRow(r *bufio.Reader) (string, bool, error) {
	var row []byte
	tooLong := false
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return string(row), tooLong, err
		}
		if !tooLong {
			row = append(row, chunk...)
			if len(row) > maxRowLength {
				tooLong, row = true, nil
			}
		}
		if !isPrefix {
			return string(row), tooLong, nil
		}
	}
}

// LoadFile loads a table from a file on disk.
func LoadFile(path string, opts ...Option) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keysym table %q: %w", path, err)
	}
	defer f.Close()
	return Load(f, opts...)
}

//go:embed dataset.txt
var defaultDataset string

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// Default returns the table built from the embedded X11 dataset. It is parsed
// once per process.
func Default() *Table {
	defaultOnce.Do(func() {
		table, err := Load(strings.NewReader(defaultDataset))
		if err != nil {
			// strings.Reader never fails.
			panic(fmt.Sprintf("keysym: embedded dataset: %v", err))
		}
		defaultTable = table
	})
	return defaultTable
}

func (t *Table) insert(entry Entry, policy DuplicatePolicy) {
	if _, exists := t.toKeysym[entry.Rune]; exists {
		t.stats.Duplicates++
		if policy == LastWins {
			t.toKeysym[entry.Rune] = entry.Keysym
		}
	} else {
		t.toKeysym[entry.Rune] = entry.Keysym
		t.stats.Accepted++
	}

	if _, exists := t.toRune[entry.Keysym]; !exists || policy == LastWins {
		t.toRune[entry.Keysym] = entry.Rune
	}
}

func parseRow(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Entry{}, false
	}
	sym, err := parseHex(fields[0], 32)
	if err != nil {
		return Entry{}, false
	}
	code, err := parseHex(fields[1], 32)
	if err != nil {
		return Entry{}, false
	}
	r := rune(code)
	if code > utf8.MaxRune || !utf8.ValidRune(r) {
		return Entry{}, false
	}
	return Entry{Rune: r, Keysym: uint32(sym)}, true
}

func parseHex(field string, bits int) (uint64, error) {
	switch {
	case strings.HasPrefix(field, "0x"), strings.HasPrefix(field, "0X"):
		field = field[2:]
	case strings.HasPrefix(field, "U+"), strings.HasPrefix(field, "u+"):
		field = field[2:]
	}
	if field == "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseUint(field, 16, bits)
}

// Lookup returns the key symbol that produces r. A miss is reported through
// the boolean; no symbol is ever synthesized.
func (t *Table) Lookup(r rune) (uint32, bool) {
	if t == nil {
		return 0, false
	}
	sym, ok := t.toKeysym[r]
	return sym, ok
}

// Rune returns the Unicode value a key symbol produces, if the table knows it.
func (t *Table) Rune(sym uint32) (rune, bool) {
	if t == nil {
		return 0, false
	}
	r, ok := t.toRune[sym]
	return r, ok
}

// Len reports the number of distinct Unicode values in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.toKeysym)
}

// Stats reports the row counts collected by Load.
func (t *Table) Stats() Stats {
	if t == nil {
		return Stats{}
	}
	return t.stats
}

// Embedded parses the embedded dataset with opts into a new table.
func Embedded(opts ...Option) *Table {
	table, err := Load(strings.NewReader(defaultDataset), opts...)
	if err != nil {
		panic(fmt.Sprintf("keysym: embedded dataset: %v", err))
	}
	return table
}
