package confirmation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidID is returned for malformed sheet and cell ids.
var ErrInvalidID = errors.New("invalid id")

// SheetID returns the identifier of a product's n-th sheet.
func SheetID(productID string, number int) string {
	return fmt.Sprintf("%s_%d", productID, number)
}

// ParseSheetID splits "<productId>_<sheetNumber>".
func ParseSheetID(id string) (string, int, error) {
	i := strings.LastIndex(id, "_")
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("%w: sheet %s", ErrInvalidID, id)
	}
	number, err := strconv.Atoi(id[i+1:])
	if err != nil || number < 1 {
		return "", 0, fmt.Errorf("%w: sheet %s", ErrInvalidID, id)
	}
	return id[:i], number, nil
}

// CellID returns the identifier of a cell, "<sheetId>#<index>".
func CellID(sheetID string, index int) string {
	return fmt.Sprintf("%s#%d", sheetID, index)
}

// ParseCellID splits a cell identifier into sheet id and index.
func ParseCellID(id string) (string, int, error) {
	sheetID, idx, ok := strings.Cut(id, "#")
	if !ok || sheetID == "" {
		return "", 0, fmt.Errorf("%w: cell %s", ErrInvalidID, id)
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("%w: cell %s", ErrInvalidID, id)
	}
	return sheetID, index, nil
}
