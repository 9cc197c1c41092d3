package formula

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// MaxPreviewCells bounds how many referenced cells Evaluate will load.
const MaxPreviewCells = 4096

const previewSheet = "Sheet1"

// ErrPreviewUnsupported is returned for references Evaluate cannot resolve,
// such as whole-column ranges or other sheets.
var ErrPreviewUnsupported = errors.New("formula: preview unsupported")

// Lookup returns the value of a cell addressed in A1 notation on the sheet
// being previewed. ok is false for empty cells.
type Lookup func(a1 string) (value any, ok bool)

// Evaluate computes a display value for text against the cells lookup
// returns. It loads every referenced cell into a scratch workbook and asks
// excelize to calculate a free cell holding the formula.
func Evaluate(text string, lookup Lookup) (string, error) {
	root, err := Parse(text)
	if err != nil {
		return "", err
	}
	cells, maxRow, err := referencedCells(Refs(root))
	if err != nil {
		return "", err
	}

	f := excelize.NewFile()
	defer f.Close()

	if lookup != nil {
		for _, name := range cells {
			v, ok := lookup(name)
			if !ok || v == nil {
				continue
			}
			if err := f.SetCellValue(previewSheet, name, v); err != nil {
				return "", fmt.Errorf("formula: load %s: %w", name, err)
			}
		}
	}

	scratch, err := excelize.CoordinatesToCellName(1, maxRow+1)
	if err != nil {
		return "", err
	}
	if err := f.SetCellFormula(previewSheet, scratch, strings.TrimPrefix(strings.TrimSpace(text), "=")); err != nil {
		return "", err
	}
	return f.CalcCellValue(previewSheet, scratch)
}

// referencedCells expands refs into individual A1 names and reports the
// largest row seen.
func referencedCells(refs []string) ([]string, int, error) {
	seen := make(map[string]bool)
	var out []string
	maxRow := 0
	for _, ref := range refs {
		ref = strings.ReplaceAll(ref, "$", "")
		if strings.ContainsRune(ref, '!') {
			return nil, 0, ErrPreviewUnsupported
		}
		from, to, isRange := strings.Cut(ref, ":")
		if !isRange {
			to = from
		}
		c1, r1, err := excelize.CellNameToCoordinates(from)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrPreviewUnsupported, ref)
		}
		c2, r2, err := excelize.CellNameToCoordinates(to)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrPreviewUnsupported, ref)
		}
		c1, c2 = min(c1, c2), max(c1, c2)
		r1, r2 = min(r1, r2), max(r1, r2)
		if (c2-c1+1)*(r2-r1+1) > MaxPreviewCells {
			return nil, 0, fmt.Errorf("%w: %s spans too many cells", ErrPreviewUnsupported, ref)
		}
		for r := r1; r <= r2; r++ {
			for c := c1; c <= c2; c++ {
				name, err := excelize.CoordinatesToCellName(c, r)
				if err != nil {
					return nil, 0, err
				}
				if seen[name] {
					continue
				}
				seen[name] = true
				out = append(out, name)
				if len(out) > MaxPreviewCells {
					return nil, 0, fmt.Errorf("%w: too many referenced cells", ErrPreviewUnsupported)
				}
			}
		}
		maxRow = max(maxRow, r2)
	}
	return out, maxRow, nil
}
