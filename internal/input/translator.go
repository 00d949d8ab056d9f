package input

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cochaviz/vmdesk/internal/keysym"
	"github.com/samber/lo"
)

// KeyEvent is one key press (Down) or release.
type KeyEvent struct {
	Keysym uint32
	Down   bool
}

func (e KeyEvent) String() string {
	direction := "up"
	if e.Down {
		direction = "down"
	}
	if name := keysym.Name(e.Keysym); name != "" {
		return fmt.Sprintf("%s %s", name, direction)
	}
	return fmt.Sprintf("%#x %s", e.Keysym, direction)
}

// ErrorKind classifies a TranslationError.
type ErrorKind int

const (
	UnknownKeyName ErrorKind = iota + 1
	UnmappableCharacter
)

func (k ErrorKind) String() string {
	switch k {
	case UnknownKeyName:
		return "unknown key name"
	case UnmappableCharacter:
		return "unmappable character"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// TranslationError reports a token that has no key symbol. Nothing is sent
// when translation fails.
type TranslationError struct {
	Kind  ErrorKind
	Token string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("%s %q", e.Kind, e.Token)
}

// enterAliases map to ISO_Enter, which guests treat as both Return and keypad Enter.
var enterAliases = map[string]struct{}{
	"enter":       {},
	"numpadenter": {},
}

// Translator turns key names and text into key events.
type Translator struct {
	table *keysym.Table
}

// NewTranslator uses table for single-character tokens; nil means the
// embedded dataset.
func NewTranslator(table *keysym.Table) *Translator {
	if table == nil {
		table = keysym.Default()
	}
	return &Translator{table: table}
}

// Resolve maps a single token to its key symbol.
func (t *Translator) Resolve(token string) (uint32, error) {
	if _, ok := enterAliases[strings.ToLower(token)]; ok {
		return keysym.ISOEnter, nil
	}

	if utf8.RuneCountInString(token) == 1 {
		r, _ := utf8.DecodeRuneInString(token)
		if sym, ok := t.table.Lookup(r); ok {
			return sym, nil
		}
		return 0, &TranslationError{Kind: UnmappableCharacter, Token: token}
	}

	if sym, ok := keysym.Named(token); ok {
		return sym, nil
	}
	return 0, &TranslationError{Kind: UnknownKeyName, Token: token}
}

// Translate builds a chord from tokens: every key is pressed in order, then
// every key is released in the same order.
func (t *Translator) Translate(tokens []string) ([]KeyEvent, error) {
	syms := make([]uint32, 0, len(tokens))
	for _, token := range tokens {
		sym, err := t.Resolve(token)
		if err != nil {
			return nil, err
		}
		syms = append(syms, sym)
	}

	events := make([]KeyEvent, 0, 2*len(syms))
	events = append(events, lo.Map(syms, func(sym uint32, _ int) KeyEvent {
		return KeyEvent{Keysym: sym, Down: true}
	})...)
	events = append(events, lo.Map(syms, func(sym uint32, _ int) KeyEvent {
		return KeyEvent{Keysym: sym, Down: false}
	})...)
	return events, nil
}

// TranslateText types s one rune at a time, each as a press and release.
// The whole text is rejected if any rune cannot be mapped.
func (t *Translator) TranslateText(s string) ([]KeyEvent, error) {
	events := make([]KeyEvent, 0, 2*utf8.RuneCountInString(s))
	for _, r := range s {
		sym, ok := t.table.Lookup(r)
		if !ok {
			return nil, &TranslationError{Kind: UnmappableCharacter, Token: string(r)}
		}
		events = append(events, KeyEvent{Keysym: sym, Down: true}, KeyEvent{Keysym: sym, Down: false})
	}
	return events, nil
}

// Repeat taps the named key count times.
func (t *Translator) Repeat(name string, count int) ([]KeyEvent, error) {
	if count < 0 {
		return nil, fmt.Errorf("repeat count must not be negative, got %d", count)
	}
	sym, err := t.Resolve(name)
	if err != nil {
		return nil, err
	}
	events := make([]KeyEvent, 0, 2*count)
	for i := 0; i < count; i++ {
		events = append(events, KeyEvent{Keysym: sym, Down: true}, KeyEvent{Keysym: sym, Down: false})
	}
	return events, nil
}
