// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package address implements grid addresses and ranges, together with
// their A1 text encoding, including cross-sheet qualifiers ("Sheet0!B2")
// and absolute markers ("$B$2").
package address

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/xuri/excelize/v2"
)

// SheetID identifies a sheet within a tyne. IDs are small integers,
// stable for the life of the sheet.
type SheetID int

// Address is a single cell position. Col and Row are zero based; the A1
// encoding is one based, so A1 == Address{0, 0, sheet}.
type Address struct {
	Col   int     `json:"col"`
	Row   int     `json:"row"`
	Sheet SheetID `json:"sheet"`
}

// New returns the address for the given zero based column and row.
func New(col, row int, sheet SheetID) Address {
	return Address{Col: col, Row: row, Sheet: sheet}
}

// A1 renders the address in A1 form without a sheet qualifier.
func (a Address) A1() string {
	name, err := excelize.CoordinatesToCellName(a.Col+1, a.Row+1)
	if err != nil {
		// Out-of-grid coordinates only arise from programming errors;
		// render something recognisable rather than panic.
		return fmt.Sprintf("R%dC%d", a.Row+1, a.Col+1)
	}
	return name
}

// String renders the address with its sheet id for logging.
func (a Address) String() string {
	return fmt.Sprintf("%d!%s", a.Sheet, a.A1())
}

// Cmp orders addresses by sheet, then row, then column. Cascade
// recomputation uses this to break ties deterministically.
func (a Address) Cmp(b Address) int {
	if a.Sheet != b.Sheet {
		return int(a.Sheet) - int(b.Sheet)
	}
	if a.Row != b.Row {
		return a.Row - b.Row
	}
	return a.Col - b.Col
}

// MarshalText encodes the address as "<sheet>!<a1>"; used for JSON map
// keys in snapshots.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes the form produced by MarshalText.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	*a = parsed
	return nil
}

// Parse decodes "<sheet>!<a1>" or a bare A1 name (sheet 0).
func Parse(s string) (Address, error) {
	sheet := SheetID(0)
	if i := strings.IndexByte(s, '!'); i >= 0 {
		id, err := strconv.Atoi(s[:i])
		if err != nil {
			return Address{}, errors.NotValidf("sheet qualifier in address %q", s)
		}
		sheet = SheetID(id)
		s = s[i+1:]
	}
	col, row, err := ParseA1(s)
	if err != nil {
		return Address{}, errors.Trace(err)
	}
	return Address{Col: col, Row: row, Sheet: sheet}, nil
}

// ParseA1 decodes a single A1 cell name into zero based coordinates.
// Absolute markers are accepted and ignored.
func ParseA1(name string) (col, row int, err error) {
	c, r, err := excelize.CellNameToCoordinates(name)
	if err != nil {
		return 0, 0, errors.NotValidf("cell name %q", name)
	}
	return c - 1, r - 1, nil
}

// FormatA1 renders zero based coordinates as an A1 cell name with the
// given absolute markers.
func FormatA1(col, row int, colAbs, rowAbs bool) string {
	name, err := excelize.ColumnNumberToName(col + 1)
	if err != nil {
		name = "?"
	}
	var b strings.Builder
	if colAbs {
		b.WriteByte('$')
	}
	b.WriteString(name)
	if rowAbs {
		b.WriteByte('$')
	}
	b.WriteString(strconv.Itoa(row + 1))
	return b.String()
}

// ColumnName renders a zero based column index as its letter name.
func ColumnName(col int) string {
	name, err := excelize.ColumnNumberToName(col + 1)
	if err != nil {
		return "?"
	}
	return name
}

// ColumnIndex parses a column letter name into a zero based index.
func ColumnIndex(name string) (int, error) {
	n, err := excelize.ColumnNameToNumber(strings.TrimPrefix(name, "$"))
	if err != nil {
		return 0, errors.NotValidf("column name %q", name)
	}
	return n - 1, nil
}
