package confirmation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/recognition"
)

// ErrNotFound is returned when a sheet or cell is not found.
var ErrNotFound = errors.New("record not found")

// Bucket names. Each holds one nested bucket per accounting period.
const (
	BucketSheets    = "sheets"
	BucketAccounted = "accounted"
	BucketRephoto   = "rephoto"
)

// RephotoRequest is a sheet position that has to be photographed again.
type RephotoRequest struct {
	Source   string `json:"source"`
	Position int    `json:"position"`
	SheetID  string `json:"sheetId,omitempty"`
	Reason   string `json:"reason"`
}

func (r RephotoRequest) key() []byte {
	return []byte(r.Source + "#" + strconv.Itoa(r.Position))
}

// PendingCell is an unconfirmed cell together with its sheet.
type PendingCell struct {
	CellID  string `json:"cellId"`
	SheetID string `json:"sheetId"`
	Cell    Cell   `json:"cell"`
}

// Store persists sheet confirmation state in bbolt.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store and initializes buckets.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{BucketSheets, BucketAccounted, BucketRephoto} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// periodBucket returns the nested bucket of a period, creating it in write transactions.
func periodBucket(tx *bolt.Tx, name, period string) (*bolt.Bucket, error) {
	root := tx.Bucket([]byte(name))
	if root == nil {
		return nil, fmt.Errorf("bucket %s not found", name)
	}
	if !tx.Writable() {
		return root.Bucket([]byte(period)), nil
	}
	b, err := root.CreateBucketIfNotExists([]byte(period))
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s/%s: %w", name, period, err)
	}
	return b, nil
}

func getSheet(b *bolt.Bucket, id string) (*Sheet, error) {
	if b == nil {
		return nil, ErrNotFound
	}
	data := b.Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var sheet Sheet
	if err := json.Unmarshal(data, &sheet); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sheet %s: %w", id, err)
	}
	return &sheet, nil
}

func putJSON(b *bolt.Bucket, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return b.Put([]byte(key), data)
}

// accountedBefore returns the latest archived grids of a period strictly before period.
func accountedBefore(tx *bolt.Tx, period string) (map[string]*AccountedSheet, error) {
	grids := make(map[string]*AccountedSheet)
	root := tx.Bucket([]byte(BucketAccounted))
	if root == nil {
		return nil, fmt.Errorf("bucket %s not found", BucketAccounted)
	}

	var latest []byte
	c := root.Cursor()
	for k, _ := c.First(); k != nil && bytes.Compare(k, []byte(period)) < 0; k, _ = c.Next() {
		latest = k
	}
	if latest == nil {
		return grids, nil
	}

	err := root.Bucket(latest).ForEach(func(k, v []byte) error {
		var sheet AccountedSheet
		if err := json.Unmarshal(v, &sheet); err != nil {
			return fmt.Errorf("failed to unmarshal accounted sheet %s: %w", k, err)
		}
		grids[sheet.ID] = &sheet
		return nil
	})
	return grids, err
}

// Ingest merges new readings of one sheet into the period's state.
// Each call is a new photograph of the sheet. Ingesting into a confirmed
// sheet changes nothing and returns false.
func (s *Store) Ingest(period string, policy Policy, sheetID, source string, readings []recognition.CellReading) (*Sheet, bool, error) {
	productID, number, err := ParseSheetID(sheetID)
	if err != nil {
		return nil, false, err
	}

	var sheet *Sheet
	var changed bool
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := periodBucket(tx, BucketSheets, period)
		if err != nil {
			return err
		}
		accounted, err := accountedBefore(tx, period)
		if err != nil {
			return err
		}
		prior := accounted[sheetID]

		sheet, err = getSheet(b, sheetID)
		if errors.Is(err, ErrNotFound) {
			sheet = &Sheet{ID: sheetID, ProductID: productID, Number: number, Status: SheetDecoded}
			if prior != nil {
				sheet.Owner = prior.Owner
			}
		} else if err != nil {
			return err
		}

		changed = policy.Merge(sheet, readings, prior, sheet.Generation+1)
		if !changed {
			return nil
		}
		sheet.Source = source
		return putJSON(b, sheetID, sheet)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to ingest sheet %s: %w", sheetID, err)
	}
	return sheet, changed, nil
}

// GetSheet retrieves a sheet of a period.
func (s *Store) GetSheet(period, sheetID string) (*Sheet, error) {
	var sheet *Sheet
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := periodBucket(tx, BucketSheets, period)
		if err != nil {
			return err
		}
		sheet, err = getSheet(b, sheetID)
		return err
	})
	return sheet, err
}

// ListSheets retrieves all sheets of a period ordered by id.
func (s *Store) ListSheets(period string) ([]*Sheet, error) {
	var sheets []*Sheet
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := periodBucket(tx, BucketSheets, period)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var sheet Sheet
			if err := json.Unmarshal(v, &sheet); err != nil {
				return fmt.Errorf("failed to unmarshal sheet %s: %w", k, err)
			}
			sheets = append(sheets, &sheet)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sheets, nil
}

// PendingCells lists every unconfirmed cell of a period.
func (s *Store) PendingCells(period string) ([]PendingCell, error) {
	sheets, err := s.ListSheets(period)
	if err != nil {
		return nil, err
	}
	var pending []PendingCell
	for _, sheet := range sheets {
		if sheet.Status == SheetExcluded {
			continue
		}
		for _, c := range sheet.Pending() {
			pending = append(pending, PendingCell{CellID: CellID(sheet.ID, c.Index), SheetID: sheet.ID, Cell: c})
		}
	}
	return pending, nil
}

// updateSheet loads a sheet, applies fn and stores the result.
func (s *Store) updateSheet(period, sheetID string, fn func(sheet *Sheet) error) (*Sheet, error) {
	var sheet *Sheet
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := periodBucket(tx, BucketSheets, period)
		if err != nil {
			return err
		}
		sheet, err = getSheet(b, sheetID)
		if err != nil {
			return err
		}
		if err := fn(sheet); err != nil {
			return err
		}
		sheet.refreshStatus()
		return putJSON(b, sheetID, sheet)
	})
	if err != nil {
		return nil, err
	}
	return sheet, nil
}

func (s *Store) updateCell(period, cellID string, fn func(c *Cell) error) (*Sheet, error) {
	sheetID, index, err := ParseCellID(cellID)
	if err != nil {
		return nil, err
	}
	return s.updateSheet(period, sheetID, func(sheet *Sheet) error {
		for i := range sheet.Cells {
			if sheet.Cells[i].Index == index {
				return fn(&sheet.Cells[i])
			}
		}
		return fmt.Errorf("%w: cell %s", ErrNotFound, cellID)
	})
}

// Decide records a human decision for a cell.
func (s *Store) Decide(period string, policy Policy, cellID, value string) (*Sheet, error) {
	return s.updateCell(period, cellID, func(c *Cell) error {
		return policy.Decide(c, value)
	})
}

// Reject discards a cell's reading.
func (s *Store) Reject(period, cellID, reason string) (*Sheet, error) {
	return s.updateCell(period, cellID, func(c *Cell) error {
		Reject(c, reason)
		return nil
	})
}

// Exclude takes a sheet out of the period. Sheets that were never
// photographed are recorded without cells.
func (s *Store) Exclude(period, sheetID, reason string) (*Sheet, error) {
	productID, number, err := ParseSheetID(sheetID)
	if err != nil {
		return nil, err
	}

	var sheet *Sheet
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := periodBucket(tx, BucketSheets, period)
		if err != nil {
			return err
		}
		sheet, err = getSheet(b, sheetID)
		if errors.Is(err, ErrNotFound) {
			sheet = &Sheet{ID: sheetID, ProductID: productID, Number: number}
		} else if err != nil {
			return err
		}
		sheet.Status = SheetExcluded
		sheet.Reason = reason
		return putJSON(b, sheetID, sheet)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to exclude sheet %s: %w", sheetID, err)
	}
	return sheet, nil
}

// SetOwner reassigns the member a sheet belongs to. An empty owner clears it.
func (s *Store) SetOwner(period string, policy Policy, sheetID, owner string) (*Sheet, error) {
	if !policy.Known(owner) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownValue, owner)
	}
	return s.updateSheet(period, sheetID, func(sheet *Sheet) error {
		if sheet.Status == SheetConfirmed {
			return fmt.Errorf("%w: %s", ErrSheetConfirmed, sheetID)
		}
		sheet.Owner = owner
		return nil
	})
}

// QueueRephoto records a sheet position that needs a new photograph.
func (s *Store) QueueRephoto(period string, req RephotoRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := periodBucket(tx, BucketRephoto, period)
		if err != nil {
			return err
		}
		return putJSON(b, string(req.key()), req)
	})
}

// ResolveRephoto removes a position from the queue.
func (s *Store) ResolveRephoto(period, source string, position int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := periodBucket(tx, BucketRephoto, period)
		if err != nil {
			return err
		}
		return b.Delete(RephotoRequest{Source: source, Position: position}.key())
	})
}

// ResolveRephotoSheet removes every queued position that named sheetID, so a
// sheet photographed again under another file name leaves the queue.
func (s *Store) ResolveRephotoSheet(period, sheetID string) error {
	if sheetID == "" {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := periodBucket(tx, BucketRephoto, period)
		if err != nil {
			return err
		}
		var keys [][]byte
		err = b.ForEach(func(k, v []byte) error {
			var req RephotoRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return fmt.Errorf("failed to unmarshal rephoto request %s: %w", k, err)
			}
			if req.SheetID == sheetID {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// DismissRephoto drops a queued position that will not be photographed
// again, e.g. a blank sheet or a duplicate photograph.
func (s *Store) DismissRephoto(period, source string, position int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := periodBucket(tx, BucketRephoto, period)
		if err != nil {
			return err
		}
		key := RephotoRequest{Source: source, Position: position}.key()
		if b.Get(key) == nil {
			return fmt.Errorf("%w: rephoto request %s#%d", ErrNotFound, source, position)
		}
		return b.Delete(key)
	})
}

// ListRephoto lists the queued positions of a period.
func (s *Store) ListRephoto(period string) ([]RephotoRequest, error) {
	var queue []RephotoRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := periodBucket(tx, BucketRephoto, period)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var req RephotoRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return fmt.Errorf("failed to unmarshal rephoto request %s: %w", k, err)
			}
			queue = append(queue, req)
			return nil
		})
	})
	return queue, err
}

// Accounted returns the grids accounted by the latest close before period.
func (s *Store) Accounted(period string) (map[string]*AccountedSheet, error) {
	var grids map[string]*AccountedSheet
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		grids, err = accountedBefore(tx, period)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read accounted grids: %w", err)
	}
	return grids, nil
}

// Archive replaces the accounted grids recorded for period.
func (s *Store) Archive(period string, sheets []*AccountedSheet) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(BucketAccounted))
		if root.Bucket([]byte(period)) != nil {
			if err := root.DeleteBucket([]byte(period)); err != nil {
				return err
			}
		}
		b, err := root.CreateBucket([]byte(period))
		if err != nil {
			return err
		}
		for _, sheet := range sheets {
			if err := putJSON(b, sheet.ID, sheet); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive period %s: %w", period, err)
	}
	return nil
}
