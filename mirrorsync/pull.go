package mirrorsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/cashrecon_backend/store"
	"github.com/mmdatafocus/cashrecon_backend/utils"
)

// fields a pulled request may change on an existing local row
var pulledFields = []string{"status", "notes", "details_json", "accountant_id"}

type PullResult struct {
	Inserted int
	Updated  int
	Deleted  int
	Skipped  []FailedRow
}

// applyPulledRequests merges the remote request list into s in one transaction.
// Unknown ids are inserted, known ids are updated only when a tracked field changed and the
// remote row is not older, and ids tombstoned remotely are removed.
func applyPulledRequests(ctx context.Context, s store.Store, t Table, resp *RequestsResponse) (*PullResult, error) {
	result := &PullResult{}
	if resp == nil {
		return result, nil
	}
	err := s.Transaction(ctx, func(tx store.Store) error {
		local, err := loadTombstones(ctx, tx)
		if err != nil {
			return err
		}
		for _, raw := range resp.Data {
			row, err := pulledRow(t, raw)
			if err != nil {
				result.Skipped = append(result.Skipped, FailedRow{Table: t.Name, Id: rowId(raw), Error: err.Error()})
				continue
			}
			id := rowId(row)
			if id == 0 {
				result.Skipped = append(result.Skipped, FailedRow{Table: t.Name, Error: ErrMissingRecordId.Error()})
				continue
			}
			if _, gone := local[id]; gone {
				continue
			}
			changed, inserted, err := mergePulledRow(ctx, tx, t, id, row)
			if err != nil {
				return fmt.Errorf("request %d: %w", id, err)
			}
			if inserted {
				result.Inserted++
			} else if changed {
				result.Updated++
			}
		}

		if len(resp.Deleted) > 0 {
			for _, chunk := range utils.ChunkSlice(resp.Deleted, 500) {
				args := make([]any, 0, len(chunk)+1)
				for _, id := range chunk {
					args = append(args, id)
				}
				res, err := tx.Prepare(fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", TableRequests, store.Placeholders(len(chunk)))).Run(ctx, args...)
				if err != nil {
					return err
				}
				result.Deleted += int(res.Changes)
				if _, err := tx.Prepare(fmt.Sprintf("DELETE FROM %s WHERE table_name = ? AND record_id IN (%s)", TablePendingDeletions, store.Placeholders(len(chunk)))).
					Run(ctx, append([]any{TableRequests}, args...)...); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Inserted > 0 {
		if err := store.RepairSequence(ctx, s, t.Name); err != nil {
			return result, err
		}
	}
	return result, nil
}

// pulledRow accepts either details_json text or a decoded details object.
func pulledRow(t Table, raw store.Row) (store.Row, error) {
	if _, ok := raw["details_json"]; !ok {
		if details, ok := raw["details"]; ok && details != nil {
			data, err := json.Marshal(details)
			if err != nil {
				return nil, fmt.Errorf("details: %w", err)
			}
			raw["details_json"] = string(data)
		}
	}
	return normalizeRow(t, raw)
}

func mergePulledRow(ctx context.Context, tx store.Store, t Table, id int64, row store.Row) (changed bool, inserted bool, err error) {
	existing, found, err := tx.Prepare(fmt.Sprintf("SELECT id, status, notes, details_json, accountant_id, updated_at FROM %s WHERE id = ?", TableRequests)).
		Get(ctx, id)
	if err != nil {
		return false, false, err
	}
	if !found {
		columns := presentColumns(t, []store.Row{row})
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = store.QuoteIdent(tx.Dialect(), c)
		}
		_, err := tx.Prepare(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", TableRequests, strings.Join(quoted, ", "), store.Placeholders(len(columns)))).
			Run(ctx, rowArgs(columns, row)...)
		return err == nil, err == nil, err
	}

	current, err := normalizeRow(t, existing)
	if err != nil {
		return false, false, err
	}
	incomingAt, _ := row["updated_at"].(time.Time)
	currentAt, _ := current["updated_at"].(time.Time)
	if !incomingAt.IsZero() && !currentAt.IsZero() && incomingAt.Before(currentAt) {
		return false, false, nil
	}

	var sets []string
	var args []any
	for _, f := range pulledFields {
		v, ok := row[f]
		if !ok || sameValue(v, current[f]) {
			continue
		}
		sets = append(sets, store.QuoteIdent(tx.Dialect(), f)+" = ?")
		args = append(args, v)
	}
	if len(sets) == 0 {
		return false, false, nil
	}
	if !incomingAt.IsZero() {
		sets = append(sets, "updated_at = ?")
		args = append(args, incomingAt)
	}
	args = append(args, id)
	if _, err := tx.Prepare(fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", TableRequests, strings.Join(sets, ", "))).Run(ctx, args...); err != nil {
		return false, false, err
	}
	return true, false, nil
}

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
