package mirrorsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/cashrecon_backend/config"
	"github.com/mmdatafocus/cashrecon_backend/models"
	"github.com/mmdatafocus/cashrecon_backend/store"
	"github.com/mmdatafocus/cashrecon_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const moduleName = "mirrorsync"

type Options struct {
	NodeId        string
	Interval      time.Duration
	NotifyTimeout time.Duration
	Registry      Registry
}

// Engine runs mirror sync passes for one node. Construct once and share the pointer.
type Engine struct {
	local      store.Store
	transport  Transport
	dispatcher Dispatcher
	logger     *logrus.Logger
	tracer     trace.Tracer
	opts       Options

	running atomic.Bool
	wg      sync.WaitGroup

	mu          sync.Mutex
	lastSuccess time.Time
	lastReport  *PassReport
	seen        map[int64]models.RequestStatus
	seeded      bool
}

func NewEngine(local store.Store, transport Transport, dispatcher Dispatcher, logger *logrus.Logger, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	if len(opts.Registry.Lookups) == 0 && len(opts.Registry.Transactional) == 0 {
		opts.Registry = DefaultRegistry()
	}
	if dispatcher == nil {
		dispatcher = NewLogDispatcher(logger)
	}
	return &Engine{
		local:      local,
		transport:  transport,
		dispatcher: dispatcher,
		logger:     logger,
		tracer:     otel.Tracer("github.com/mmdatafocus/cashrecon_backend/mirrorsync"),
		opts:       opts,
		seen:       map[int64]models.RequestStatus{},
	}
}

// Start runs a pass immediately and then on every interval until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.RunSyncPass(ctx, models.SyncTriggeredStartup)

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunSyncPass(ctx, models.SyncTriggeredTimer)
		}
	}
}

// Trigger starts a pass in the background unless one is running. It reports whether a pass was started.
func (e *Engine) Trigger(ctx context.Context, trigger string) bool {
	if e.running.Load() {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.RunSyncPass(context.WithoutCancel(ctx), trigger)
	}()
	return true
}

// Wait blocks until triggered passes have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) LastReport() *PassReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// RunSyncPass runs one full pass. A call made while another pass runs is dropped and returns ran=false.
func (e *Engine) RunSyncPass(ctx context.Context, trigger string) (report *PassReport, ran bool) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.WithFields(logrus.Fields{"module": moduleName, "trigger": trigger}).Debug("sync pass already running, trigger dropped")
		return nil, false
	}
	defer e.running.Store(false)

	ctx, span := e.tracer.Start(ctx, "mirrorsync.pass", trace.WithAttributes(
		attribute.String("node_id", e.opts.NodeId),
		attribute.String("trigger", trigger),
	))
	defer span.End()
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())
	ctx = utils.SetSyncTriggerInContext(ctx, trigger)
	ctx = utils.SetNodeIdInContext(ctx, e.opts.NodeId)

	report = &PassReport{
		TriggeredBy: trigger,
		Status:      models.SyncRunStatusRunning,
		StartedAt:   time.Now().UTC(),
		Stats:       map[string]int{},
		Errors:      []StepError{},
	}
	report.RunId = e.beginRun(ctx, report)
	e.seedBaseline(ctx)

	e.step(ctx, report, "push_lookups", e.pushLookups)
	e.step(ctx, report, "push_active_ids", e.pushActiveIds)
	e.step(ctx, report, "push_transactional", e.pushTransactional)
	e.step(ctx, report, "push_requests", e.pushRequests)
	e.step(ctx, report, "push_deletions", e.pushDeletions)
	e.step(ctx, report, "pull_requests", e.pullRequests)
	e.step(ctx, report, "notify", e.notifyTransitions)

	report.FinishedAt = time.Now().UTC()
	report.Status = models.SyncRunStatusSuccess
	if len(report.Errors) > 0 && report.RecordsSynced() == 0 {
		report.Status = models.SyncRunStatusFailed
	} else if len(report.Errors) > 0 {
		report.Status = models.SyncRunStatusPartial
	}
	if report.Status != models.SyncRunStatusSuccess {
		span.SetStatus(codes.Error, fmt.Sprintf("%d step errors", len(report.Errors)))
	}
	e.finishRun(ctx, report)

	e.mu.Lock()
	if report.Status == models.SyncRunStatusSuccess {
		e.lastSuccess = report.StartedAt
	}
	e.lastReport = report
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"module":      moduleName,
		"run_id":      report.RunId,
		"trigger":     trigger,
		"status":      report.Status,
		"stats":       report.Stats,
		"errors":      len(report.Errors),
		"duration_ms": report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	}).Info("sync pass finished")
	return report, true
}

// step isolates one stage of the pass: a panic is recorded like any other step error.
func (e *Engine) step(ctx context.Context, report *PassReport, name string, fn func(context.Context, *PassReport)) {
	ctx, span := e.tracer.Start(ctx, "mirrorsync."+name)
	defer span.End()
	before := len(report.Errors)
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic: %v", p)
			report.addError(name, "", 0, err)
			trigger, _ := utils.GetSyncTriggerFromContext(ctx)
			e.logger.WithFields(logrus.Fields{"module": moduleName, "step": name, "trigger": trigger, "stack": string(debug.Stack())}).Error(err.Error())
		}
		if len(report.Errors) > before {
			span.SetStatus(codes.Error, report.Errors[len(report.Errors)-1].Error)
		}
	}()
	fn(ctx, report)
}

func (e *Engine) tableError(ctx context.Context, report *PassReport, step string, table string, err error) {
	report.addError(step, table, 0, err)
	config.LogError(e.logger, moduleName, step, table, utils.DereferencePtr(correlationId(ctx)), err)
}

// skipRow records a local row that could not be read for pushing; the rest of the table still goes out.
func (e *Engine) skipRow(ctx context.Context, report *PassReport, step, table string) func(int64, error) {
	return func(id int64, err error) {
		report.addError(step, table, id, err)
		e.logger.WithFields(logrus.Fields{
			"module":         moduleName,
			"step":           step,
			"table":          table,
			"id":             id,
			"correlation_id": utils.DereferencePtr(correlationId(ctx)),
		}).Warn("row skipped: " + err.Error())
	}
}

func correlationId(ctx context.Context) *string {
	if v, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		return &v
	}
	return nil
}

func (e *Engine) recordFailedRows(report *PassReport, step string, resp *SyncResponse) {
	if resp == nil {
		return
	}
	for _, f := range resp.Failed {
		code := f.Code
		if code == "" {
			code = FailureSync
		}
		report.Errors = append(report.Errors, StepError{Step: step, Table: f.Table, Id: f.Id, Error: f.Error, Code: code})
	}
}

func (e *Engine) pushLookups(ctx context.Context, report *PassReport) {
	for _, t := range e.opts.Registry.Lookups {
		rows, err := e.readRows(ctx, t, "", nil, e.skipRow(ctx, report, "push_lookups", t.Name))
		if err != nil {
			e.tableError(ctx, report, "push_lookups", t.Name, err)
			continue
		}
		if len(rows) == 0 {
			continue
		}
		resp, err := e.transport.SendPayload(ctx, map[string]any{t.Name: rows})
		e.recordFailedRows(report, "push_lookups", resp)
		if err != nil {
			e.tableError(ctx, report, "push_lookups", t.Name, err)
			continue
		}
		report.Stats[t.Name] += len(rows)
		e.logger.WithFields(logrus.Fields{"module": moduleName, "step": "push_lookups", "table": t.Name, "count": len(rows)}).Debug("pushed")
	}
}

func (e *Engine) pushActiveIds(ctx context.Context, report *PassReport) {
	for _, t := range e.opts.Registry.Transactional {
		if !t.Mirrored {
			continue
		}
		ids, err := e.activeIds(ctx, t)
		if err != nil {
			e.tableError(ctx, report, "push_active_ids", t.Name, err)
			continue
		}
		if len(ids) == 0 {
			continue
		}
		resp, err := e.transport.SendPayload(ctx, map[string]any{t.ActiveIdsKey(): ids})
		e.recordFailedRows(report, "push_active_ids", resp)
		if err != nil {
			e.tableError(ctx, report, "push_active_ids", t.Name, err)
			continue
		}
		e.logger.WithFields(logrus.Fields{"module": moduleName, "step": "push_active_ids", "table": t.Name, "count": len(ids)}).Debug("pushed")
	}
}

func (e *Engine) pushTransactional(ctx context.Context, report *PassReport) {
	for _, t := range e.opts.Registry.Transactional {
		rows, err := e.readRows(ctx, t, "", nil, e.skipRow(ctx, report, "push_transactional", t.Name))
		if err != nil {
			e.tableError(ctx, report, "push_transactional", t.Name, err)
			continue
		}
		if len(rows) == 0 {
			continue
		}
		resp, err := e.transport.SendInBatches(ctx, t.Name, rows, t.BatchSize)
		e.recordFailedRows(report, "push_transactional", resp)
		if err != nil {
			e.tableError(ctx, report, "push_transactional", t.Name, err)
			continue
		}
		report.Stats[t.Name] += len(rows)
		e.logger.WithFields(logrus.Fields{"module": moduleName, "step": "push_transactional", "table": t.Name, "count": len(rows)}).Debug("pushed")
	}
}

// pushRequests sends pending requests plus every request changed since the last clean pass.
func (e *Engine) pushRequests(ctx context.Context, report *PassReport) {
	t := e.opts.Registry.Requests
	e.mu.Lock()
	since := e.lastSuccess
	e.mu.Unlock()

	where := ""
	var args []any
	if !since.IsZero() {
		where = "status = ? OR updated_at > ?"
		args = []any{string(models.RequestStatusPending), since}
	}
	rows, err := e.readRows(ctx, t, where, args, e.skipRow(ctx, report, "push_requests", t.Name))
	if err != nil {
		e.tableError(ctx, report, "push_requests", t.Name, err)
		return
	}
	if len(rows) == 0 {
		return
	}
	resp, err := e.transport.SendInBatches(ctx, t.Name, rows, t.BatchSize)
	e.recordFailedRows(report, "push_requests", resp)
	if err != nil {
		e.tableError(ctx, report, "push_requests", t.Name, err)
		return
	}
	report.Stats[t.Name] += len(rows)
}

func (e *Engine) pushDeletions(ctx context.Context, report *PassReport) {
	pending, err := e.local.Prepare(fmt.Sprintf("SELECT id, record_id FROM %s WHERE table_name = ? ORDER BY id", TablePendingDeletions)).
		All(ctx, TableRequests)
	if err != nil {
		e.tableError(ctx, report, "push_deletions", TablePendingDeletions, err)
		return
	}
	for _, p := range pending {
		recordId, _ := toInt64(p["record_id"])
		id, _ := recordId.(int64)
		if err := e.transport.DeleteRequest(ctx, id); err != nil {
			report.addError("push_deletions", TableRequests, id, err)
			if _, uerr := e.local.Prepare(fmt.Sprintf("UPDATE %s SET attempts = attempts + 1, last_error = ? WHERE id = ?", TablePendingDeletions)).
				Run(ctx, err.Error(), p["id"]); uerr != nil {
				e.logger.WithError(uerr).Warn("mirrorsync: record deletion attempt")
			}
			continue
		}
		if _, err := e.local.Prepare(fmt.Sprintf("DELETE FROM %s WHERE id = ?", TablePendingDeletions)).Run(ctx, p["id"]); err != nil {
			e.tableError(ctx, report, "push_deletions", TablePendingDeletions, err)
			continue
		}
		report.Stats["deletions_pushed"]++
	}
}

func (e *Engine) pullRequests(ctx context.Context, report *PassReport) {
	resp, err := e.transport.FetchRequests(ctx)
	if err != nil {
		e.tableError(ctx, report, "pull_requests", TableRequests, err)
		return
	}
	res, err := applyPulledRequests(ctx, e.local, e.opts.Registry.Requests, resp)
	if err != nil {
		e.tableError(ctx, report, "pull_requests", TableRequests, err)
		return
	}
	for _, f := range res.Skipped {
		report.addError("pull_requests", TableRequests, f.Id, errors.New(f.Error))
	}
	report.Stats["pull_inserted"] += res.Inserted
	report.Stats["pull_updated"] += res.Updated
	report.Stats["pull_deleted"] += res.Deleted
}

func (e *Engine) requestStatuses(ctx context.Context) (map[int64]models.RequestStatus, error) {
	rows, err := e.local.Prepare(fmt.Sprintf("SELECT id, status FROM %s", TableRequests)).All(ctx)
	if err != nil {
		return nil, err
	}
	current := make(map[int64]models.RequestStatus, len(rows))
	for _, r := range rows {
		status, _ := toText(r["status"])
		s, _ := status.(string)
		current[rowId(r)] = models.RequestStatus(s)
	}
	return current, nil
}

// seedBaseline records the local request statuses once, before the first pass pulls anything,
// so requests that arrive already settled are still announced.
func (e *Engine) seedBaseline(ctx context.Context) {
	e.mu.Lock()
	seeded := e.seeded
	e.mu.Unlock()
	if seeded {
		return
	}
	current, err := e.requestStatuses(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("mirrorsync: cannot read request baseline")
		return
	}
	e.mu.Lock()
	e.seen = current
	e.seeded = true
	e.mu.Unlock()
}

// notifyTransitions sends one summary for requests that reached approved or completed since the baseline.
// Without a baseline it only records what is already settled.
func (e *Engine) notifyTransitions(ctx context.Context, report *PassReport) {
	current, err := e.requestStatuses(ctx)
	if err != nil {
		e.tableError(ctx, report, "notify", TableRequests, err)
		return
	}

	var approved, completed []int64
	e.mu.Lock()
	if e.seeded {
		for id, status := range current {
			if !status.IsSettled() {
				continue
			}
			if prev, ok := e.seen[id]; ok && prev == status {
				continue
			}
			if status == models.RequestStatusCompleted {
				completed = append(completed, id)
			} else {
				approved = append(approved, id)
			}
		}
	}
	e.seen = current
	e.seeded = true
	e.mu.Unlock()

	if len(approved)+len(completed) == 0 {
		return
	}
	slices.Sort(approved)
	slices.Sort(completed)
	report.Notified = append(append([]int64{}, approved...), completed...)

	notifyCtx, cancel := context.WithTimeout(ctx, e.opts.NotifyTimeout)
	defer cancel()
	if err := e.dispatcher.Send(notifyCtx, summaryNotification(e.opts.NodeId, approved, completed)); err != nil {
		config.LogError(e.logger, moduleName, "notify", "dispatch", report.Notified, err)
	}
}

func (e *Engine) activeIds(ctx context.Context, t Table) ([]int64, error) {
	rows, err := e.local.Prepare(fmt.Sprintf("SELECT id FROM %s ORDER BY id", store.QuoteIdent(e.local.Dialect(), t.Name))).All(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, rowId(r))
	}
	return ids, nil
}

// readRows loads the registry columns of t, oldest first, honoring the table cap.
// Rows that cannot be normalized are left out and handed to skip.
func (e *Engine) readRows(ctx context.Context, t Table, where string, args []any, skip func(id int64, err error)) ([]store.Row, error) {
	d := e.local.Dialect()
	quoted := make([]string, 0, len(t.Columns))
	for _, c := range t.ColumnNames() {
		quoted = append(quoted, store.QuoteIdent(d, c))
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), store.QuoteIdent(d, t.Name))
	if where != "" {
		query += " WHERE " + where
	}
	if t.Cap > 0 {
		query += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", t.Cap)
	} else {
		query += " ORDER BY id"
	}
	raw, err := e.local.Prepare(query).All(ctx, args...)
	if err != nil {
		return nil, err
	}
	rows := make([]store.Row, 0, len(raw))
	for _, r := range raw {
		row, err := normalizeRow(t, r)
		if err != nil {
			if skip != nil {
				skip(rowId(r), err)
			}
			continue
		}
		rows = append(rows, row)
	}
	if t.Cap > 0 {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	return rows, nil
}

func (e *Engine) beginRun(ctx context.Context, report *PassReport) int {
	res, err := e.local.Prepare(fmt.Sprintf(
		"INSERT INTO %s (node_id, status, triggered_by, stats_json, records_synced, error_count, started_at, duration_ms, created_at, updated_at) VALUES (?, ?, ?, '{}', 0, 0, ?, 0, ?, ?)",
		TableSyncRuns)).Run(ctx, e.opts.NodeId, report.Status, report.TriggeredBy, report.StartedAt, report.StartedAt, report.StartedAt)
	if err != nil {
		e.logger.WithError(err).Warn("mirrorsync: cannot record sync run")
		return 0
	}
	return int(res.LastInsertID)
}

func (e *Engine) finishRun(ctx context.Context, report *PassReport) {
	if report.RunId == 0 {
		return
	}
	statsJSON, _ := json.Marshal(report.Stats)
	err := e.local.Transaction(ctx, func(tx store.Store) error {
		if _, err := tx.Prepare(fmt.Sprintf(
			"UPDATE %s SET status = ?, finished_at = ?, duration_ms = ?, records_synced = ?, error_count = ?, stats_json = ?, updated_at = ? WHERE id = ?",
			TableSyncRuns)).Run(ctx,
			report.Status, report.FinishedAt, report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
			report.RecordsSynced(), len(report.Errors), string(statsJSON), report.FinishedAt, report.RunId); err != nil {
			return err
		}
		insert := tx.Prepare(fmt.Sprintf(
			"INSERT INTO %s (sync_run_id, step, table_name, record_id, error_code, message, retryable, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			TableSyncErrors))
		for _, se := range report.Errors {
			recordId := ""
			if se.Id != 0 {
				recordId = fmt.Sprint(se.Id)
			}
			code := se.Code
			if code == "" {
				code = FailureSync
			}
			// a key collision repeats on every pass until someone fixes the data
			retryable := code != FailureDuplicateKey
			if _, err := insert.Run(ctx, report.RunId, se.Step, se.Table, recordId, code, se.Error, retryable, report.FinishedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.WithError(err).WithField("run_id", report.RunId).Warn("mirrorsync: cannot finish sync run")
	}
}

// ListRuns returns the latest sync runs recorded on this node.
func (e *Engine) ListRuns(ctx context.Context, limit int) ([]store.Row, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.local.Prepare(fmt.Sprintf(
		"SELECT id, node_id, status, triggered_by, stats_json, records_synced, error_count, started_at, finished_at, duration_ms FROM %s ORDER BY id DESC LIMIT %d",
		TableSyncRuns, limit)).All(ctx)
}
