package review

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/confirmation"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
)

// DecisionColumns is the header of a decisions file. A third column carries
// the reason of a rejection.
var DecisionColumns = []string{"cellId", "value"}

// RejectMarker in the value column rejects the cell instead of confirming it.
const RejectMarker = "!reject"

// Decision is one human verdict on a cell.
type Decision struct {
	CellID string `json:"cellId"`
	Value  string `json:"value,omitempty"`
	Reject bool   `json:"reject,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ReadDecisions reads a `cellId;value[;reason]` file.
func ReadDecisions(path string) ([]Decision, error) {
	table, err := records.ReadTableFile(path, DecisionColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to read decisions: %w", err)
	}

	decisions := make([]Decision, 0, len(table.Rows))
	for i, row := range table.Rows {
		if len(row) < 2 || row[0] == "" {
			return nil, fmt.Errorf("decisions row %d: missing cell id or value", i+1)
		}
		d := Decision{CellID: row[0], Value: row[1]}
		if strings.EqualFold(d.Value, RejectMarker) {
			d.Value = ""
			d.Reject = true
		}
		if len(row) > 2 {
			d.Reason = row[2]
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// DecisionError ties a failed decision to its cause.
type DecisionError struct {
	Decision Decision
	Err      error
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("cell %s: %v", e.Decision.CellID, e.Err)
}

func (e *DecisionError) Unwrap() error {
	return e.Err
}

// Apply records decisions in the store. Failed decisions do not stop the
// remaining ones; their errors are joined.
func Apply(store *confirmation.Store, period string, policy confirmation.Policy, decisions []Decision) (int, error) {
	applied := 0
	var errs []error
	for _, d := range decisions {
		var err error
		if d.Reject {
			_, err = store.Reject(period, d.CellID, d.Reason)
		} else {
			_, err = store.Decide(period, policy, d.CellID, d.Value)
		}
		if err != nil {
			errs = append(errs, &DecisionError{Decision: d, Err: err})
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}
