package mirrorsync

import (
	"errors"
	"time"

	"github.com/mmdatafocus/cashrecon_backend/store"
)

const (
	PathSync     = "/api/sync"
	PathRequests = "/api/sync/requests"

	HeaderNodeId        = "X-Node-Id"
	HeaderSyncKey       = "X-Sync-Key"
	HeaderCorrelationId = "X-Correlation-Id"
)

var (
	ErrUnauthorized    = errors.New("invalid sync key")
	ErrMissingNodeId   = errors.New("missing node id")
	ErrSyncRejected    = errors.New("sync rejected by remote")
	ErrUnknownTable    = errors.New("unknown table")
	ErrMissingRecordId = errors.New("row has no id")
)

// failure codes carried on FailedRow and stored on sync_errors
const (
	FailureDuplicateKey = "duplicate_key"
	FailureSync         = "sync_failed"
)

// FailedRow is a row the receiver could not persist.
type FailedRow struct {
	Table string `json:"table"`
	Id    int64  `json:"id"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type SyncResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Failed  []FailedRow `json:"failed,omitempty"`
}

type RequestsResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    []store.Row `json:"data"`
	// Deleted lists request ids removed centrally.
	Deleted []int64 `json:"deleted,omitempty"`
}

// ApplyResult summarizes one received payload.
type ApplyResult struct {
	Upserted map[string]int `json:"upserted"`
	Deleted  map[string]int `json:"deleted"`
	Skipped  map[string]int `json:"skipped,omitempty"`
	Failed   []FailedRow    `json:"failed"`
}

func newApplyResult() *ApplyResult {
	return &ApplyResult{
		Upserted: map[string]int{},
		Deleted:  map[string]int{},
		Skipped:  map[string]int{},
		Failed:   []FailedRow{},
	}
}

func (r *ApplyResult) fail(table string, id int64, err error) {
	r.Failed = append(r.Failed, FailedRow{Table: table, Id: id, Error: err.Error(), Code: failureCode(err)})
}

// failureCode separates unique-key collisions from other row errors.
func failureCode(err error) string {
	if store.IsDuplicateKey(err) {
		return FailureDuplicateKey
	}
	return FailureSync
}

type StepError struct {
	Step  string `json:"step"`
	Table string `json:"table,omitempty"`
	Id    int64  `json:"id,omitempty"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// PassReport is what one sync pass did.
type PassReport struct {
	RunId       int            `json:"run_id"`
	TriggeredBy string         `json:"triggered_by"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Stats       map[string]int `json:"stats"`
	Errors      []StepError    `json:"errors"`
	Notified    []int64        `json:"notified,omitempty"`
}

func (r *PassReport) addError(step, table string, id int64, err error) {
	r.Errors = append(r.Errors, StepError{Step: step, Table: table, Id: id, Error: err.Error(), Code: failureCode(err)})
}

func (r *PassReport) RecordsSynced() int {
	total := 0
	for _, n := range r.Stats {
		total += n
	}
	return total
}
