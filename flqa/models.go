package flqa

import "time"

// ImportStatus values for ImportRecord.Status.
const (
	ImportStatusReceived  = "RECEIVED"
	ImportStatusProcessed = "PROCESSED"
	ImportStatusFailed    = "FAILED"
)

// ImportRecord tracks one ingested source file. The (type, sha256) unique
// index gives idempotency: a file whose content was already processed for
// the same type is skipped on re-ingestion.
type ImportRecord struct {
	ID          uint       `gorm:"primaryKey" json:"-"`
	ImportID    string     `gorm:"uniqueIndex;size:36" json:"import_id"`
	Type        FileType   `gorm:"uniqueIndex:uniq_type_sha;index;size:8" json:"type"`
	SourcePath  string     `gorm:"size:1024" json:"source_path"`
	SHA256      string     `gorm:"uniqueIndex:uniq_type_sha;size:64" json:"sha256"`
	SizeBytes   int64      `json:"size_bytes"`
	Status      string     `gorm:"index;size:16" json:"status"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Agent is the registry of last-known identity fields per agent key.
// Last write wins by key.
type Agent struct {
	AgentKey  string    `gorm:"primaryKey;size:256" json:"agent_key"`
	AgentID   *string   `gorm:"size:128" json:"agent_id"`
	Email     *string   `gorm:"size:256" json:"email"`
	FullName  *string   `gorm:"size:256" json:"full_name"`
	Market    *string   `gorm:"size:128" json:"market"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is one immutable, timestamped ingestion result for a file type.
// Snapshots are append-only; a new import always creates a new one.
type Snapshot struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	SnapshotID string    `gorm:"uniqueIndex;size:36" json:"snapshot_id"`
	Type       FileType  `gorm:"index;size:8" json:"type"`
	ImportID   string    `gorm:"index;size:36" json:"import_id"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// SnapshotAgentRow is one agent's classification state within a snapshot.
// Metric fields stay pointers so "absent" survives persistence distinct
// from explicit zero.
type SnapshotAgentRow struct {
	ID           uint     `gorm:"primaryKey" json:"-"`
	SnapshotRef  uint     `gorm:"index" json:"-"`
	AgentKey     string   `gorm:"index;size:256" json:"agent_key"`
	GCI6M        *float64 `json:"gci_6m"`
	TX6M         *int     `json:"tx_6m"`
	FLQAExpires  *string  `gorm:"size:64" json:"flqa_expires"`
	InFLA        bool     `json:"in_fla"`
	InFLQA       bool     `json:"in_flqa"`
	EligibleNow  bool     `gorm:"index" json:"eligible_now"`
	Status       Status   `gorm:"index;size:16" json:"status"`
	MissingGCI   float64  `json:"missing_gci"`
	MissingTX    int      `json:"missing_tx"`
	DaysToExpire *int     `json:"days_to_expire"`
}

// Alert is a persisted diff event plus its forwarding state. Alerts that
// fail to forward stay pending and are resent on the next run.
type Alert struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	SnapshotRef uint       `gorm:"index" json:"-"`
	AgentKey    string     `gorm:"index;size:256" json:"agent_key"`
	EventType   EventKind  `gorm:"index;size:32" json:"event_type"`
	Payload     string     `gorm:"type:text" json:"payload"`
	SentSyslog  bool       `gorm:"index" json:"-"`
	SendError   string     `gorm:"type:text" json:"-"`
	SentAt      *time.Time `json:"-"`
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
}
