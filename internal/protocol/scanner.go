package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrIncomplete means the buffer ended before the header did. The caller
	// may retry with more bytes of the same frame.
	ErrIncomplete = errors.New("incomplete frame header")
	// ErrMalformed means the frame can never yield a usable header.
	ErrMalformed = errors.New("malformed frame header")
)

// BodyKind names the property holding a frame's payload.
type BodyKind uint8

const (
	BodyNone BodyKind = iota
	BodyResult
	BodyError
	BodyParams
)

func (k BodyKind) String() string {
	switch k {
	case BodyResult:
		return "result"
	case BodyError:
		return "error"
	case BodyParams:
		return "params"
	default:
		return "none"
	}
}

// Header is the envelope metadata that precedes a frame's body.
type Header struct {
	ID       string
	Method   string
	Async    bool
	HasAsync bool
	Body     BodyKind
	// Offset is the number of bytes consumed by the header. When Body is not
	// BodyNone the body value starts exactly at Offset.
	Offset int
}

// Notification reports whether the header belongs to an unsolicited push
// frame rather than a reply.
func (h Header) Notification() bool {
	return h.Body == BodyParams
}

// Reply reports whether the frame carries a result or an error. A frame
// without either, such as a bare {id, method} push, is not a reply.
func (h Header) Reply() bool {
	return h.Body == BodyResult || h.Body == BodyError
}

type scanState uint8

const (
	stateStart scanState = iota
	stateProp
	statePropID
	statePropAsync
	statePropMethod
	statePropBody
	stateNext
	stateEnd
)

type scanner struct {
	data []byte
	pos  int
}

// ScanHeader reads the top-level id, async and method properties of a frame
// and stops at the first result, error or params property without consuming
// its value. Whitespace, comments and a trailing comma are tolerated. Both id
// and method are required.
func ScanHeader(data []byte) (Header, error) {
	s := scanner{data: data}
	var (
		h         Header
		hasID     bool
		hasMethod bool
		state     = stateStart
	)

	for state != stateEnd {
		if err := s.skipSpace(); err != nil {
			return h, err
		}

		switch state {
		case stateStart:
			if s.data[s.pos] != '{' {
				return h, s.malformed("frame does not start with '{'")
			}
			s.pos++
			state = stateProp

		case stateProp:
			if s.data[s.pos] == '}' {
				s.pos++
				state = stateEnd
				continue
			}
			raw, err := s.rawString()
			if err != nil {
				return h, err
			}
			key, err := unquote(raw)
			if err != nil {
				return h, s.malformed("invalid property name")
			}
			if err := s.skipSpace(); err != nil {
				return h, err
			}
			if s.data[s.pos] != ':' {
				return h, s.malformed("expected ':'")
			}
			s.pos++

			switch key {
			case "id":
				state = statePropID
			case "async":
				state = statePropAsync
			case "method":
				state = statePropMethod
			case "result":
				h.Body, state = BodyResult, statePropBody
			case "error":
				h.Body, state = BodyError, statePropBody
			case "params":
				h.Body, state = BodyParams, statePropBody
			default:
				return h, s.malformed(fmt.Sprintf("unknown property %q", key))
			}

		case statePropID:
			id, err := s.idValue()
			if err != nil {
				return h, err
			}
			h.ID, hasID = id, true
			state = stateNext

		case statePropAsync:
			v, err := s.boolValue()
			if err != nil {
				return h, err
			}
			h.Async, h.HasAsync = v, true
			state = stateNext

		case statePropMethod:
			raw, err := s.rawString()
			if err != nil {
				return h, err
			}
			m, err := unquote(raw)
			if err != nil {
				return h, s.malformed("invalid method string")
			}
			h.Method, hasMethod = m, true
			state = stateNext

		case statePropBody:
			h.Offset = s.pos
			state = stateEnd

		case stateNext:
			switch s.data[s.pos] {
			case ',':
				s.pos++
				state = stateProp
			case '}':
				s.pos++
				h.Offset = s.pos
				state = stateEnd
			default:
				return h, s.malformed("expected ',' or '}'")
			}
		}
	}

	if h.Body == BodyNone {
		h.Offset = s.pos
	}
	if !hasID {
		return h, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if !hasMethod {
		return h, fmt.Errorf("%w: missing method", ErrMalformed)
	}
	if h.Notification() && h.HasAsync {
		return h, fmt.Errorf("%w: notification carries async", ErrMalformed)
	}
	return h, nil
}

func (s *scanner) malformed(msg string) error {
	return fmt.Errorf("%w: %s at offset %d", ErrMalformed, msg, s.pos)
}

// skipSpace advances past whitespace and comments, and fails with
// ErrIncomplete if nothing else remains.
func (s *scanner) skipSpace() error {
	for s.pos < len(s.data) {
		switch s.data[s.pos] {
		case ' ', '\t', '\r', '\n':
			s.pos++
		case '/':
			if s.pos+1 >= len(s.data) {
				return ErrIncomplete
			}
			switch s.data[s.pos+1] {
			case '/':
				s.pos += 2
				for s.pos < len(s.data) && s.data[s.pos] != '\n' {
					s.pos++
				}
			case '*':
				s.pos += 2
				for {
					if s.pos+1 >= len(s.data) {
						return ErrIncomplete
					}
					if s.data[s.pos] == '*' && s.data[s.pos+1] == '/' {
						s.pos += 2
						break
					}
					s.pos++
				}
			default:
				return s.malformed("invalid comment")
			}
		default:
			return nil
		}
	}
	return ErrIncomplete
}

// rawString returns the contents of the string at pos, quotes included,
// without decoding escapes.
func (s *scanner) rawString() ([]byte, error) {
	if s.data[s.pos] != '"' {
		return nil, s.malformed("expected string")
	}
	start := s.pos
	for i := start + 1; i < len(s.data); i++ {
		switch s.data[i] {
		case '\\':
			i++
		case '"':
			s.pos = i + 1
			return s.data[start:s.pos], nil
		}
	}
	return nil, ErrIncomplete
}

// idValue accepts a string or a bare number and returns its text.
func (s *scanner) idValue() (string, error) {
	if s.data[s.pos] == '"' {
		raw, err := s.rawString()
		if err != nil {
			return "", err
		}
		id, err := unquote(raw)
		if err != nil {
			return "", s.malformed("invalid id string")
		}
		return id, nil
	}

	start := s.pos
	for s.pos < len(s.data) && isNumberByte(s.data[s.pos]) {
		s.pos++
	}
	if s.pos == len(s.data) {
		return "", ErrIncomplete
	}
	if s.pos == start {
		return "", s.malformed("id must be a string or number")
	}
	return string(s.data[start:s.pos]), nil
}

func (s *scanner) boolValue() (bool, error) {
	for _, lit := range []string{"true", "false"} {
		rest := s.data[s.pos:]
		if len(rest) < len(lit) {
			if string(rest) == lit[:len(rest)] {
				return false, ErrIncomplete
			}
			continue
		}
		if string(rest[:len(lit)]) == lit {
			s.pos += len(lit)
			return lit == "true", nil
		}
	}
	return false, s.malformed("async must be a boolean")
}

func isNumberByte(c byte) bool {
	return (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E'
}

func unquote(raw []byte) (string, error) {
	for _, c := range raw {
		if c == '\\' {
			var out string
			err := json.Unmarshal(raw, &out)
			return out, err
		}
	}
	return string(raw[1 : len(raw)-1]), nil
}
