package cell

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrMalformedKey is returned when a cell key cannot be parsed.
var ErrMalformedKey = errors.New("malformed cell key")

// Address identifies a cell: its sheet and zero-based row and column.
type Address struct {
	Sheet string `json:"sheet"`
	Row   int    `json:"row"`
	Col   int    `json:"col"`
}

// Key serializes the address to its stable map key.
func (a Address) Key() string {
	return a.Sheet + ":" + strconv.Itoa(a.Row) + ":" + strconv.Itoa(a.Col)
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return a.Key()
}

// A1 renders the address in spreadsheet notation ("Sheet1!B3").
func (a Address) A1() string {
	name, err := excelize.CoordinatesToCellName(a.Col+1, a.Row+1)
	if err != nil {
		return a.Key()
	}
	return a.Sheet + "!" + name
}

// ParseKey parses a "sheet:row:col" key. The sheet id may itself contain ':'.
func ParseKey(key string) (Address, error) {
	colSep := strings.LastIndexByte(key, ':')
	if colSep <= 0 {
		return Address{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	rowSep := strings.LastIndexByte(key[:colSep], ':')
	if rowSep <= 0 {
		return Address{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	row, err := strconv.Atoi(key[rowSep+1 : colSep])
	if err != nil || row < 0 {
		return Address{}, fmt.Errorf("%w: bad row in %q", ErrMalformedKey, key)
	}
	col, err := strconv.Atoi(key[colSep+1:])
	if err != nil || col < 0 {
		return Address{}, fmt.Errorf("%w: bad column in %q", ErrMalformedKey, key)
	}
	return Address{Sheet: key[:rowSep], Row: row, Col: col}, nil
}

// ParseA1 parses "Sheet1!B3" into an address.
func ParseA1(ref string) (Address, error) {
	sheet, name, ok := strings.Cut(ref, "!")
	if !ok || sheet == "" {
		return Address{}, fmt.Errorf("%w: %q has no sheet", ErrMalformedKey, ref)
	}
	col, row, err := excelize.CellNameToCoordinates(name)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return Address{Sheet: sheet, Row: row - 1, Col: col - 1}, nil
}

// Key is a convenience for Address{sheet,row,col}.Key().
func Key(sheet string, row, col int) string {
	return Address{Sheet: sheet, Row: row, Col: col}.Key()
}
