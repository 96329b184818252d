package records

import (
	"fmt"
	"strings"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/money"
)

// MemberColumns is the column contract of the members table.
var MemberColumns = []string{"id", "name", "emails", "balance"}

// CorrectionColumns is the column contract of the corrections table.
var CorrectionColumns = []string{"memberId", "amount", "justification"}

// LabelAccountingDate is the prefix label of the members table.
const LabelAccountingDate = "accountingDate"

// ReadMembers reads a members table.
func ReadMembers(path string) (*MemberTable, error) {
	table, err := ReadTableFile(path, MemberColumns, WithPrefix(LabelAccountingDate))
	if err != nil {
		return nil, err
	}

	members := &MemberTable{AccountingDate: table.PrefixValue(LabelAccountingDate)}
	seen := make(map[string]bool)
	for i, row := range table.Rows {
		m := Member{
			ID:   column(row, 0),
			Name: column(row, 1),
		}
		if m.ID == "" {
			return nil, fmt.Errorf("%s: row %d: empty member id", path, i+1)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("%s: duplicate member id %q", path, m.ID)
		}
		seen[m.ID] = true

		for _, email := range strings.Split(column(row, 2), ",") {
			if email = strings.TrimSpace(email); email != "" {
				m.Emails = append(m.Emails, email)
			}
		}
		if m.Balance, err = money.Parse(column(row, 3)); err != nil {
			return nil, fmt.Errorf("%s: row %d: balance: %w", path, i+1, err)
		}
		members.Members = append(members.Members, m)
	}

	return members, nil
}

// WriteMembers writes a members table, preserving the column contract.
func WriteMembers(path string, members *MemberTable) error {
	table := &Table{
		Prefix: []PrefixRow{{Label: LabelAccountingDate, Value: members.AccountingDate}},
		Header: MemberColumns,
	}
	for _, m := range members.Members {
		table.Rows = append(table.Rows, []string{
			m.ID, m.Name, strings.Join(m.Emails, ","), money.Format(m.Balance),
		})
	}
	return WriteTableFile(path, table)
}

// ReadCorrections reads a corrections table keyed by member id.
// A missing file means no corrections. Unknown members and non-zero amounts
// without justification are rejected.
func ReadCorrections(path string, members *MemberTable) (map[string]Correction, error) {
	corrections := make(map[string]Correction)

	table, err := ReadTableFile(path, CorrectionColumns)
	if err != nil {
		if isNotExist(err) {
			return corrections, nil
		}
		return nil, err
	}

	for i, row := range table.Rows {
		c := Correction{
			MemberID:      column(row, 0),
			Justification: column(row, 2),
		}
		if c.Amount, err = money.Parse(column(row, 1)); err != nil {
			return nil, fmt.Errorf("%s: row %d: amount: %w", path, i+1, err)
		}
		if _, ok := members.Get(c.MemberID); !ok {
			return nil, fmt.Errorf("%s: row %d: unknown member %q", path, i+1, c.MemberID)
		}
		if !c.Amount.IsZero() && c.Justification == "" {
			return nil, fmt.Errorf("%s: row %d: correction for %s needs a justification", path, i+1, c.MemberID)
		}
		if _, dup := corrections[c.MemberID]; dup {
			return nil, fmt.Errorf("%s: duplicate correction for %q", path, c.MemberID)
		}
		corrections[c.MemberID] = c
	}

	return corrections, nil
}
