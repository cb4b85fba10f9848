package mirrorsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/cashrecon_backend/store"
	"github.com/mmdatafocus/cashrecon_backend/utils"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	applyLockTTL    = 30 * time.Second
	lastApplyTTL    = 24 * time.Hour
	lastApplyPrefix = "mirrorsync:last_apply:"
)

// Applier persists pushed payloads into the remote store: cleanup by active-ID set, then upsert.
type Applier struct {
	store    store.Store
	registry Registry
	logger   *logrus.Logger
	locker   *redislock.Client
	cache    *redis.Client
}

// NewApplier builds an applier. locker and cache may be nil when Redis is disabled.
func NewApplier(s store.Store, registry Registry, logger *logrus.Logger, locker *redislock.Client, cache *redis.Client) *Applier {
	return &Applier{store: s, registry: registry, logger: logger, locker: locker, cache: cache}
}

// DecodePayload reads a push body keeping numbers exact.
func DecodePayload(body []byte) (map[string]json.RawMessage, error) {
	var payload map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Apply processes one payload from origin. Per-table failures are reported in the result; the
// returned error is reserved for a payload that cannot be read at all.
func (a *Applier) Apply(ctx context.Context, origin string, payload map[string]json.RawMessage) (*ApplyResult, error) {
	if origin == "" {
		return nil, ErrMissingNodeId
	}
	result := newApplyResult()
	known := map[string]bool{}

	// cleanup first, so rows about to be re-sent are never deleted after their upsert
	for _, t := range a.registry.Transactional {
		raw, ok := payload[t.ActiveIdsKey()]
		if !ok {
			continue
		}
		known[t.ActiveIdsKey()] = true
		ids, err := decodeIds(raw)
		if err != nil {
			result.fail(t.Name, 0, fmt.Errorf("active ids: %w", err))
			continue
		}
		err = a.withTableLock(ctx, t.Name, func() error {
			n, err := a.cleanup(ctx, t, origin, ids)
			result.Deleted[t.Name] += n
			return err
		})
		if err != nil {
			result.fail(t.Name, 0, fmt.Errorf("cleanup: %w", err))
		}
	}

	for _, t := range a.registry.All() {
		raw, ok := payload[t.Name]
		if !ok {
			continue
		}
		known[t.Name] = true
		rows, err := decodeRows(raw)
		if err != nil {
			result.fail(t.Name, 0, fmt.Errorf("rows: %w", err))
			continue
		}
		if len(rows) == 0 {
			continue
		}
		err = a.withTableLock(ctx, t.Name, func() error {
			return a.upsertTable(ctx, t, origin, rows, result)
		})
		if err != nil {
			result.fail(t.Name, 0, err)
		}
	}

	for key := range payload {
		if !known[key] {
			result.fail(key, 0, ErrUnknownTable)
		}
	}

	a.rememberApply(ctx, origin, result)
	return result, nil
}

func decodeIds(raw json.RawMessage) ([]int64, error) {
	var values []json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := v.Int64()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func decodeRows(raw json.RawMessage) ([]store.Row, error) {
	var rows []store.Row
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (a *Applier) withTableLock(ctx context.Context, table string, fn func() error) error {
	if a.locker == nil {
		return fn()
	}
	lock, err := a.locker.Obtain(ctx, "mirrorsync:apply:"+table, applyLockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 100),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return fmt.Errorf("table %s is being applied by another instance", table)
		}
		return err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			a.logger.WithError(err).WithField("table", table).Warn("mirrorsync: release apply lock")
		}
	}()
	return fn()
}

// cleanup deletes rows of origin whose id is absent from ids. An empty set deletes nothing.
func (a *Applier) cleanup(ctx context.Context, t Table, origin string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	d := a.store.Dialect()
	table := store.QuoteIdent(d, t.Name)

	query := fmt.Sprintf("SELECT id FROM %s", table)
	var args []any
	if t.OriginScoped() {
		query += " WHERE origin_node = ?"
		args = append(args, origin)
	}
	existing, err := a.store.Prepare(query).All(ctx, args...)
	if err != nil {
		return 0, err
	}

	active := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		active[id] = struct{}{}
	}
	var orphans []int64
	for _, row := range existing {
		id := rowId(row)
		if _, ok := active[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })

	deleted := 0
	err = a.store.Transaction(ctx, func(tx store.Store) error {
		for _, chunk := range utils.ChunkSlice(orphans, 500) {
			q := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", table, store.Placeholders(len(chunk)))
			chunkArgs := make([]any, 0, len(chunk)+1)
			for _, id := range chunk {
				chunkArgs = append(chunkArgs, id)
			}
			if t.OriginScoped() {
				q += " AND origin_node = ?"
				chunkArgs = append(chunkArgs, origin)
			}
			res, err := tx.Prepare(q).Run(ctx, chunkArgs...)
			if err != nil {
				return err
			}
			deleted += int(res.Changes)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	a.logger.WithFields(logrus.Fields{"module": "mirrorsync", "table": t.Name, "origin": origin, "count": deleted}).Info("deleted orphan rows")
	return deleted, nil
}

func (a *Applier) upsertTable(ctx context.Context, t Table, origin string, raw []store.Row, result *ApplyResult) error {
	rows := make([]store.Row, 0, len(raw))
	for _, r := range raw {
		row, err := normalizeRow(t, r)
		if err != nil {
			result.fail(t.Name, rowId(r), err)
			continue
		}
		if !t.KeepsOwnIds() && rowId(row) == 0 {
			result.fail(t.Name, 0, ErrMissingRecordId)
			continue
		}
		if t.KeepsOwnIds() {
			delete(row, "id")
			if v, _ := row[t.Key()].(string); v == "" {
				result.fail(t.Name, rowId(r), fmt.Errorf("row has no %s", t.Key()))
				continue
			}
		}
		if t.OriginScoped() {
			if v, _ := row["origin_node"].(string); v == "" {
				row["origin_node"] = origin
			}
		}
		rows = append(rows, row)
	}

	if t.Name == TableRequests {
		var err error
		rows, err = a.dropTombstoned(ctx, rows, result)
		if err != nil {
			return err
		}
	}
	if len(rows) == 0 {
		return nil
	}

	columns := presentColumns(t, rows)
	guard := ""
	if t.HasUpdatedAt() {
		guard = "updated_at"
	}
	d := a.store.Dialect()
	persisted := 0
	for _, chunk := range utils.ChunkSlice(rows, chunkSize(t, len(columns))) {
		query, err := store.BuildUpsert(d, store.UpsertSpec{
			Table:         t.Name,
			Columns:       columns,
			ConflictKey:   t.Key(),
			PreserveBlank: t.PreserveBlank,
			GuardColumn:   guard,
			Rows:          len(chunk),
		})
		if err != nil {
			return err
		}
		args := make([]any, 0, len(chunk)*len(columns))
		for _, row := range chunk {
			args = append(args, rowArgs(columns, row)...)
		}
		_, err = a.store.Prepare(query).Run(ctx, args...)
		if err == nil {
			persisted += len(chunk)
			continue
		}
		a.logger.WithFields(logrus.Fields{"module": "mirrorsync", "table": t.Name, "rows": len(chunk)}).
			WithError(err).Warn("batch upsert failed, retrying row by row")
		persisted += a.upsertRowByRow(ctx, t, columns, guard, chunk, result)
	}
	result.Upserted[t.Name] += persisted

	if !t.KeepsOwnIds() {
		if err := store.RepairSequence(ctx, a.store, t.Name); err != nil {
			a.logger.WithError(err).WithField("table", t.Name).Warn("mirrorsync: repair sequence")
		}
	}
	return nil
}

func (a *Applier) upsertRowByRow(ctx context.Context, t Table, columns []string, guard string, rows []store.Row, result *ApplyResult) int {
	query, err := store.BuildUpsert(a.store.Dialect(), store.UpsertSpec{
		Table:         t.Name,
		Columns:       columns,
		ConflictKey:   t.Key(),
		PreserveBlank: t.PreserveBlank,
		GuardColumn:   guard,
		Rows:          1,
	})
	if err != nil {
		for _, row := range rows {
			result.fail(t.Name, rowId(row), err)
		}
		return 0
	}
	stmt := a.store.Prepare(query)
	ok := 0
	for _, row := range rows {
		if _, err := stmt.Run(ctx, rowArgs(columns, row)...); err != nil {
			result.fail(t.Name, rowId(row), err)
			if store.IsDuplicateKey(err) {
				a.logger.WithFields(logrus.Fields{"module": "mirrorsync", "table": t.Name, "id": rowId(row), "code": FailureDuplicateKey}).
					Warn("row collides with a unique key held by another row")
			}
			continue
		}
		ok++
	}
	return ok
}

// dropTombstoned removes requests that were explicitly deleted here, so a stale node cannot revive them.
func (a *Applier) dropTombstoned(ctx context.Context, rows []store.Row, result *ApplyResult) ([]store.Row, error) {
	tombstones, err := loadTombstones(ctx, a.store)
	if err != nil {
		return nil, err
	}
	if len(tombstones) == 0 {
		return rows, nil
	}
	kept := rows[:0]
	for _, row := range rows {
		if _, gone := tombstones[rowId(row)]; gone {
			result.Skipped[TableRequests]++
			continue
		}
		kept = append(kept, row)
	}
	return kept, nil
}

func loadTombstones(ctx context.Context, s store.Store) (map[int64]struct{}, error) {
	rows, err := s.Prepare(fmt.Sprintf("SELECT record_id FROM %s WHERE table_name = ?", TablePendingDeletions)).All(ctx, TableRequests)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]struct{}, len(rows))
	for _, r := range rows {
		if id, err := toInt64(r["record_id"]); err == nil && id != nil {
			out[id.(int64)] = struct{}{}
		}
	}
	return out, nil
}

// presentColumns is the registry-ordered union of columns carried by rows.
func presentColumns(t Table, rows []store.Row) []string {
	seen := map[string]bool{}
	for _, row := range rows {
		for k := range row {
			seen[k] = true
		}
	}
	var out []string
	for _, c := range t.Columns {
		if seen[c.Name] {
			out = append(out, c.Name)
		}
	}
	return out
}

func rowArgs(columns []string, row store.Row) []any {
	args := make([]any, len(columns))
	for i, c := range columns {
		args[i] = row[c]
	}
	return args
}

// DeleteRequest removes a request and tombstones its id.
func (a *Applier) DeleteRequest(ctx context.Context, id int64) (bool, error) {
	existed := false
	err := a.store.Transaction(ctx, func(tx store.Store) error {
		res, err := tx.Prepare(fmt.Sprintf("DELETE FROM %s WHERE id = ?", TableRequests)).Run(ctx, id)
		if err != nil {
			return err
		}
		existed = res.Changes > 0
		if _, err := tx.Prepare("UPDATE reconciliations SET request_id = NULL, updated_at = ? WHERE request_id = ?").
			Run(ctx, time.Now().UTC(), id); err != nil {
			return err
		}
		_, found, err := tx.Prepare(fmt.Sprintf("SELECT id FROM %s WHERE table_name = ? AND record_id = ?", TablePendingDeletions)).Get(ctx, TableRequests, id)
		if err != nil || found {
			return err
		}
		_, err = tx.Prepare(fmt.Sprintf("INSERT INTO %s (table_name, record_id, attempts, last_error, created_at) VALUES (?, ?, 0, '', ?)", TablePendingDeletions)).
			Run(ctx, TableRequests, id, time.Now().UTC())
		return err
	})
	return existed, err
}

// ListRequests returns the most recent requests and the tombstoned ids for pulling nodes.
func (a *Applier) ListRequests(ctx context.Context, limit int) (*RequestsResponse, error) {
	d := a.store.Dialect()
	quoted := make([]string, 0, len(a.registry.Requests.Columns))
	for _, c := range a.registry.Requests.ColumnNames() {
		quoted = append(quoted, store.QuoteIdent(d, c))
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY updated_at DESC, id DESC LIMIT %d",
		strings.Join(quoted, ", "), store.QuoteIdent(d, TableRequests), limit)
	rows, err := a.store.Prepare(query).All(ctx)
	if err != nil {
		return nil, err
	}
	data := make([]store.Row, 0, len(rows))
	for _, r := range rows {
		row, err := normalizeRow(a.registry.Requests, r)
		if err != nil {
			a.logger.WithError(err).WithField("id", rowId(r)).Warn("mirrorsync: skip unreadable request")
			continue
		}
		data = append(data, row)
	}

	tombstones, err := loadTombstones(ctx, a.store)
	if err != nil {
		return nil, err
	}
	deleted := make([]int64, 0, len(tombstones))
	for id := range tombstones {
		deleted = append(deleted, id)
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })
	return &RequestsResponse{Success: true, Data: data, Deleted: deleted}, nil
}

// ApplySummary is the cached outcome of the latest payload from one node.
type ApplySummary struct {
	Origin    string         `json:"origin"`
	AppliedAt time.Time      `json:"applied_at"`
	Upserted  map[string]int `json:"upserted"`
	Deleted   map[string]int `json:"deleted"`
	Failed    int            `json:"failed"`
}

func (a *Applier) rememberApply(ctx context.Context, origin string, result *ApplyResult) {
	if a.cache == nil {
		return
	}
	entry := ApplySummary{Origin: origin, AppliedAt: time.Now().UTC(), Upserted: result.Upserted, Deleted: result.Deleted, Failed: len(result.Failed)}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, lastApplyPrefix+origin, data, lastApplyTTL).Err(); err != nil {
		a.logger.WithError(err).Warn("mirrorsync: cache last apply")
	}
}

// LastApply returns the cached summary of the latest payload from origin, if any.
func (a *Applier) LastApply(ctx context.Context, origin string) (*ApplySummary, bool, error) {
	if a.cache == nil {
		return nil, false, nil
	}
	data, err := a.cache.Get(ctx, lastApplyPrefix+origin).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var entry ApplySummary
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}
