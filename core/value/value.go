// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package value models the heterogeneous values a cell can hold and the
// outputs a kernel can attach to a cell. Values survive a JSON round
// trip: numbers and strings serialize plainly, dates carry an explicit
// type discriminator, binary payloads are base64.
package value

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/juju/errors"
)

// Kind discriminates the value union.
type Kind int

const (
	Empty Kind = iota
	Number
	String
	Bool
	Date
	DateTime
	TimeOfDay
	Bytes
)

// Value is a single cell value. The zero Value is Empty, which is the
// same as the cell not existing at all.
type Value struct {
	Kind   Kind
	Number float64
	Str    string
	Bool   bool
	Time   time.Time
	Bytes  []byte
}

// NewNumber returns a numeric value.
func NewNumber(f float64) Value { return Value{Kind: Number, Number: f} }

// NewString returns a string value.
func NewString(s string) Value { return Value{Kind: String, Str: s} }

// NewBool returns a boolean value.
func NewBool(b bool) Value { return Value{Kind: Bool, Bool: b} }

// NewDateTime returns a datetime value.
func NewDateTime(t time.Time) Value { return Value{Kind: DateTime, Time: t} }

// IsEmpty reports whether the value is the empty value. Writing an
// empty value to an address deletes the cell.
func (v Value) IsEmpty() bool { return v.Kind == Empty }

// Display renders the value the way the grid shows it.
func (v Value) Display() string {
	switch v.Kind {
	case Empty:
		return ""
	case Number:
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	case String:
		return v.Str
	case Bool:
		if v.Bool {
			return "TRUE"
		}
		return "FALSE"
	case Date:
		return v.Time.Format("2006-01-02")
	case DateTime:
		return v.Time.Format(time.RFC3339)
	case TimeOfDay:
		return v.Time.Format("15:04:05")
	case Bytes:
		return "<binary>"
	}
	return ""
}

// Equal reports value equality. Times compare by instant.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case Number:
		return v.Number == o.Number
	case String:
		return v.Str == o.Str
	case Bool:
		return v.Bool == o.Bool
	case Date, DateTime, TimeOfDay:
		return v.Time.Equal(o.Time)
	case Bytes:
		return string(v.Bytes) == string(o.Bytes)
	}
	return true
}

type taggedTime struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type taggedBytes struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case Empty:
		return []byte("null"), nil
	case Number:
		return json.Marshal(v.Number)
	case String:
		return json.Marshal(v.Str)
	case Bool:
		return json.Marshal(v.Bool)
	case Date:
		return json.Marshal(taggedTime{Type: "date", Value: v.Time.Format("2006-01-02")})
	case DateTime:
		return json.Marshal(taggedTime{Type: "datetime", Value: v.Time.Format(time.RFC3339Nano)})
	case TimeOfDay:
		return json.Marshal(taggedTime{Type: "time", Value: v.Time.Format("15:04:05.999999999")})
	case Bytes:
		return json.Marshal(taggedBytes{Type: "bytes", Value: base64.StdEncoding.EncodeToString(v.Bytes)})
	}
	return nil, errors.Errorf("unknown value kind %d", v.Kind)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Trace(err)
	}
	switch t := raw.(type) {
	case nil:
		*v = Value{}
	case float64:
		*v = NewNumber(t)
	case string:
		*v = NewString(t)
	case bool:
		*v = NewBool(t)
	case map[string]any:
		typ, _ := t["type"].(string)
		val, _ := t["value"].(string)
		switch typ {
		case "date":
			parsed, err := time.Parse("2006-01-02", val)
			if err != nil {
				return errors.Trace(err)
			}
			*v = Value{Kind: Date, Time: parsed}
		case "datetime":
			parsed, err := time.Parse(time.RFC3339Nano, val)
			if err != nil {
				return errors.Trace(err)
			}
			*v = Value{Kind: DateTime, Time: parsed}
		case "time":
			parsed, err := time.Parse("15:04:05.999999999", val)
			if err != nil {
				return errors.Trace(err)
			}
			*v = Value{Kind: TimeOfDay, Time: parsed}
		case "bytes":
			decoded, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return errors.Trace(err)
			}
			*v = Value{Kind: Bytes, Bytes: decoded}
		default:
			return errors.NotValidf("value discriminator %q", typ)
		}
	default:
		return errors.NotValidf("value payload %T", raw)
	}
	return nil
}

// Grid is a rectangular array value produced by a spilling expression.
// Rows are the outer dimension.
type Grid [][]Value

// Dims returns rows x cols; a ragged grid reports the widest row.
func (g Grid) Dims() (rows, cols int) {
	rows = len(g)
	for _, r := range g {
		if len(r) > cols {
			cols = len(r)
		}
	}
	return rows, cols
}

// At returns the value at row, col; Empty outside ragged rows.
func (g Grid) At(row, col int) Value {
	if row >= len(g) || col >= len(g[row]) {
		return Value{}
	}
	return g[row][col]
}
