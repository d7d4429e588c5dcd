package surrealnet

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/luciancaetano/surrealnet/internal/protocol"
)

// Thing addresses a record by table and key, or a whole table when Key is nil.
// Its textual form is table:key.
type Thing struct {
	Table string
	Key   any
}

// NewThing returns the address of one record.
func NewThing(table string, key any) Thing {
	return Thing{Table: table, Key: key}
}

// Table returns the address of a whole table.
func Table(name string) Thing {
	return Thing{Table: name}
}

// HasKey reports whether t addresses a single record.
func (t Thing) HasKey() bool {
	return t.Key != nil
}

// String returns the textual form. String keys made only of letters, digits
// and underscores (and not only digits) are written bare; any other string is
// wrapped in ⟨ ⟩ with ⟩ and \ escaped. Integer keys are written in decimal,
// anything else as JSON.
func (t Thing) String() string {
	if !t.HasKey() {
		return t.Table
	}
	return t.Table + ":" + t.KeyString()
}

// KeyString returns the textual form of the key alone.
func (t Thing) KeyString() string {
	switch k := t.Key.(type) {
	case nil:
		return ""
	case string:
		if isBareKey(k) {
			return k
		}
		r := strings.NewReplacer(`\`, `\\`, `⟩`, `\⟩`)
		return "⟨" + r.Replace(k) + "⟩"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(k)
	default:
		data, err := protocol.Marshal(k)
		if err != nil {
			return fmt.Sprint(k)
		}
		return string(data)
	}
}

func isBareKey(s string) bool {
	if s == "" {
		return false
	}
	digits := true
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
			digits = false
		default:
			return false
		}
	}
	return !digits
}

// ParseThing parses the textual form produced by String.
func ParseThing(s string) (Thing, error) {
	table, key, found := strings.Cut(s, ":")
	if table == "" {
		return Thing{}, fmt.Errorf("invalid thing %q: empty table", s)
	}
	if !found {
		return Table(table), nil
	}
	if key == "" {
		return Thing{}, fmt.Errorf("invalid thing %q: empty key", s)
	}

	switch {
	case strings.HasPrefix(key, "⟨") && strings.HasSuffix(key, "⟩"):
		inner := strings.TrimSuffix(strings.TrimPrefix(key, "⟨"), "⟩")
		r := strings.NewReplacer(`\⟩`, `⟩`, `\\`, `\`)
		return NewThing(table, r.Replace(inner)), nil
	case key[0] == '[' || key[0] == '{':
		var v any
		if err := json.Unmarshal([]byte(key), &v); err != nil {
			return Thing{}, fmt.Errorf("invalid thing %q: %w", s, err)
		}
		return NewThing(table, v), nil
	}

	if n, err := strconv.ParseInt(key, 10, 64); err == nil {
		return NewThing(table, n), nil
	}
	return NewThing(table, key), nil
}

// MarshalJSON implements json.Marshaler.
func (t Thing) MarshalJSON() ([]byte, error) {
	return protocol.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Thing) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseThing(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
