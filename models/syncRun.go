package models

import "time"

// SyncRun is one mirror sync pass as seen from the node that ran it.
type SyncRun struct {
	ID            int        `gorm:"primary_key" json:"id"`
	NodeId        string     `gorm:"index;size:100;not null" json:"node_id"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	StatsJSON     string     `gorm:"type:text" json:"stats"`
	RecordsSynced int        `json:"records_synced"`
	ErrorCount    int        `json:"error_count"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type SyncError struct {
	ID        int       `gorm:"primary_key" json:"id"`
	SyncRunId int       `gorm:"index;not null" json:"sync_run_id"`
	Step      string    `gorm:"size:50" json:"step"`
	Table     string    `gorm:"column:table_name;size:64" json:"table_name"`
	RecordId  string    `gorm:"size:64" json:"record_id"`
	ErrorCode string    `gorm:"size:64" json:"error_code"`
	Message   string    `gorm:"type:text" json:"message"`
	Retryable bool      `gorm:"default:false" json:"retryable"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// PendingDeletion queues an explicit request delete for the remote; requests are not mirrored by id set.
type PendingDeletion struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Table     string    `gorm:"column:table_name;size:64;not null;index:idx_pending_deletion,unique,priority:1" json:"table_name"`
	RecordId  int       `gorm:"not null;index:idx_pending_deletion,unique,priority:2" json:"record_id"`
	Attempts  int       `gorm:"not null;default:0" json:"attempts"`
	LastError string    `gorm:"type:text" json:"last_error"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
