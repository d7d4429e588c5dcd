package surrealnet

import (
	"fmt"
	"strings"

	"github.com/luciancaetano/surrealnet/internal/protocol"
)

// Interpolate replaces each $name placeholder in query with the JSON encoding
// of vars[name]. Names are made of letters, digits and underscores.
// Placeholders without a bound variable are left in place so the server can
// resolve session variables. Text inside quotes is not touched. A Thing is
// written as a bare record id rather than a JSON string.
func Interpolate(query string, vars map[string]any) (string, error) {
	if len(vars) == 0 || !strings.Contains(query, "$") {
		return query, nil
	}

	var (
		b     strings.Builder
		quote byte
	)
	b.Grow(len(query))

	for i := 0; i < len(query); i++ {
		c := query[i]

		if quote != 0 {
			b.WriteByte(c)
			switch c {
			case '\\':
				if i+1 < len(query) {
					i++
					b.WriteByte(query[i])
				}
			case quote:
				quote = 0
			}
			continue
		}

		switch c {
		case '\'', '"', '`':
			quote = c
			b.WriteByte(c)
			continue
		case '$':
		default:
			b.WriteByte(c)
			continue
		}

		end := i + 1
		for end < len(query) && isVarByte(query[end]) {
			end++
		}
		name := query[i+1 : end]
		value, ok := vars[name]
		if name == "" || !ok {
			b.WriteByte(c)
			continue
		}

		i = end - 1
		if t, ok := value.(Thing); ok {
			b.WriteString(t.String())
			continue
		}
		data, err := protocol.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("encode variable $%s: %w", name, err)
		}
		b.Write(data)
	}
	return b.String(), nil
}

func isVarByte(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
