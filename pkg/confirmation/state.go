// Package confirmation tracks how machine readings of tag cells become
// human-verifiable values, and persists that state per accounting period.
package confirmation

import (
	"errors"
	"fmt"
	"slices"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/recognition"
)

var (
	// ErrInvalidTransition is returned for a decision the cell's status does not allow.
	ErrInvalidTransition = errors.New("invalid cell transition")

	// ErrUnknownValue is returned when a value is neither empty nor a known member id.
	ErrUnknownValue = errors.New("unknown member id")

	// ErrSheetConfirmed is returned when a confirmed sheet would change its owner.
	ErrSheetConfirmed = errors.New("sheet already confirmed")
)

// Review reasons stored on unconfirmed cells.
const (
	ReasonUnknownValue      = "value is not a known member id"
	ReasonAccountedConflict = "reading contradicts accounted value"
)

// Status of a single cell.
type Status string

const (
	Unconfirmed       Status = "unconfirmed"
	AutoConfirmed     Status = "auto_confirmed"
	ManuallyConfirmed Status = "manually_confirmed"
	Rejected          Status = "rejected"
)

// SheetStatus is the lifecycle position of a photographed sheet.
type SheetStatus string

const (
	SheetDecoded   SheetStatus = "decoded"
	SheetConfirmed SheetStatus = "confirmed"
	SheetExcluded  SheetStatus = "excluded"
)

// LowConfidenceReading describes a reading that stays unconfirmed until
// someone decides its value.
type LowConfidenceReading struct {
	CellID     string
	Confidence float64
	Floor      float64
}

func (e *LowConfidenceReading) Error() string {
	return fmt.Sprintf("low confidence reading for %s: %.2f below %.2f", e.CellID, e.Confidence, e.Floor)
}

// Cell is the confirmation state of one tag box.
type Cell struct {
	Index      int     `json:"index"`
	Raw        string  `json:"raw"`
	Confidence float64 `json:"confidence"`
	Value      string  `json:"value"`
	Status     Status  `json:"status"`
	Generation int     `json:"generation"`
	Reason     string  `json:"reason,omitempty"`
}

// Confirmed reports whether the cell's value is authoritative.
func (c Cell) Confirmed() bool {
	return c.Status == AutoConfirmed || c.Status == ManuallyConfirmed
}

// Sheet is the confirmation state of one photographed tag sheet.
type Sheet struct {
	ID         string      `json:"id"`
	ProductID  string      `json:"productId"`
	Number     int         `json:"number"`
	Owner      string      `json:"owner,omitempty"`
	Source     string      `json:"source,omitempty"`
	Status     SheetStatus `json:"status"`
	Generation int         `json:"generation"`
	Reason     string      `json:"reason,omitempty"`
	Cells      []Cell      `json:"cells"`
}

// Pending returns the cells that still need a decision.
func (s *Sheet) Pending() []Cell {
	var pending []Cell
	for _, c := range s.Cells {
		if c.Status == Unconfirmed {
			pending = append(pending, c)
		}
	}
	return pending
}

func (s *Sheet) refreshStatus() {
	if s.Status == SheetExcluded {
		return
	}
	s.Status = SheetConfirmed
	for _, c := range s.Cells {
		if c.Status == Unconfirmed {
			s.Status = SheetDecoded
			return
		}
	}
}

// AccountedSheet is the grid of a sheet as it was billed at a period close.
type AccountedSheet struct {
	ID        string   `json:"id"`
	ProductID string   `json:"productId"`
	Owner     string   `json:"owner,omitempty"`
	Values    []string `json:"values"`
}

// Value returns the accounted value of a box, empty when out of range.
func (a *AccountedSheet) Value(index int) string {
	if a == nil || index < 0 || index >= len(a.Values) {
		return ""
	}
	return a.Values[index]
}

// Full reports whether every box already holds a tag.
func (a *AccountedSheet) Full() bool {
	for _, v := range a.Values {
		if v == "" {
			return false
		}
	}
	return len(a.Values) > 0
}

// Policy decides which readings may be confirmed automatically.
type Policy struct {
	Floor   float64
	members map[string]bool
}

// NewPolicy creates a Policy for the given confidence floor and member ids.
func NewPolicy(floor float64, memberIDs []string) Policy {
	members := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = true
	}
	return Policy{Floor: floor, members: members}
}

// Known reports whether value is an empty box or a known member id.
func (p Policy) Known(value string) bool {
	return value == "" || p.members[value]
}

// Evaluate turns a reading into a cell. Only a reading at or above the
// floor that is known and consistent with the accounted value is auto-confirmed.
func (p Policy) Evaluate(sheetID string, r recognition.CellReading, accounted string, generation int) Cell {
	c := Cell{
		Index:      r.Index,
		Raw:        r.Raw,
		Confidence: r.Confidence,
		Value:      r.Value,
		Status:     Unconfirmed,
		Generation: generation,
	}

	switch {
	case r.Reason != "":
		c.Reason = r.Reason
	case r.Confidence < p.Floor:
		c.Reason = (&LowConfidenceReading{CellID: CellID(sheetID, r.Index), Confidence: r.Confidence, Floor: p.Floor}).Error()
	case !p.Known(r.Value):
		c.Reason = ReasonUnknownValue
	case accounted != "" && r.Value != accounted:
		c.Reason = ReasonAccountedConflict
	default:
		c.Status = AutoConfirmed
	}
	return c
}

// Decide applies a human decision to a cell.
func (p Policy) Decide(c *Cell, value string) error {
	if c.Status == Rejected {
		return fmt.Errorf("%w: cell %d is rejected", ErrInvalidTransition, c.Index)
	}
	if !p.Known(value) {
		return fmt.Errorf("%w: %s", ErrUnknownValue, value)
	}
	c.Value = value
	c.Status = ManuallyConfirmed
	c.Reason = ""
	return nil
}

// Reject discards a cell's reading until it is photographed again.
func Reject(c *Cell, reason string) {
	if reason == "" {
		reason = "rejected"
	}
	c.Status = Rejected
	c.Reason = reason
}

// Merge folds a new photograph's readings into a sheet.
// Manual decisions survive; rejected cells reopen only for a newer generation.
// It returns false when the sheet was already confirmed.
func (p Policy) Merge(s *Sheet, readings []recognition.CellReading, accounted *AccountedSheet, generation int) bool {
	if s.Status == SheetConfirmed {
		return false
	}

	byIndex := make(map[int]int, len(s.Cells))
	for i, c := range s.Cells {
		byIndex[c.Index] = i
	}

	for _, r := range readings {
		next := p.Evaluate(s.ID, r, accounted.Value(r.Index), generation)
		i, ok := byIndex[r.Index]
		if !ok {
			s.Cells = append(s.Cells, next)
			byIndex[r.Index] = len(s.Cells) - 1
			continue
		}
		current := s.Cells[i]
		switch {
		case current.Status == ManuallyConfirmed:
		case current.Status == Rejected && generation <= current.Generation:
		default:
			s.Cells[i] = next
		}
	}

	slices.SortFunc(s.Cells, func(a, b Cell) int { return a.Index - b.Index })
	s.Generation = generation
	if s.Status == SheetExcluded {
		s.Status = SheetDecoded
		s.Reason = ""
	}
	s.refreshStatus()
	return true
}
