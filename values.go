package surrealnet

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Sentinel strings used for float values JSON numbers cannot express.
const (
	FloatNaN         = "NaN"
	FloatPosInfinity = "Infinity"
	FloatNegInfinity = "-Infinity"
)

// Float is a float64 that survives JSON encoding when it is NaN or infinite.
// Those values are written as the strings "NaN", "Infinity" and "-Infinity".
// Both numbers and sentinel strings are accepted when decoding.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"` + FloatNaN + `"`), nil
	case math.IsInf(v, 1):
		return []byte(`"` + FloatPosInfinity + `"`), nil
	case math.IsInf(v, -1):
		return []byte(`"` + FloatNegInfinity + `"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case FloatNaN:
			*f = Float(math.NaN())
		case FloatPosInfinity, "+Infinity":
			*f = Float(math.Inf(1))
		case FloatNegInfinity:
			*f = Float(math.Inf(-1))
		default:
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid float %q", s)
			}
			*f = Float(v)
		}
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}
