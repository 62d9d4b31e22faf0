package flqa

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OpenDB opens (or creates) the SQLite database and migrates the schema.
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ImportRecord{}, &Agent{}, &Snapshot{}, &SnapshotAgentRow{}, &Alert{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Store wraps the snapshot/alert/agent persistence queries. The store is
// append-only for snapshots and rows; only import status and alert
// forwarding state are ever updated.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FindProcessedImport reports whether a file with this content was already
// processed for the type.
func (s *Store) FindProcessedImport(t FileType, sha string) (bool, error) {
	var imp ImportRecord
	err := s.db.Where("type = ? AND sha256 = ? AND status = ?", t, sha, ImportStatusProcessed).First(&imp).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

// CreateImport records a newly received source file. A leftover record
// from a failed earlier attempt at the same content is reclaimed, so the
// (type, sha256) index never blocks a retry.
func (s *Store) CreateImport(t FileType, sourcePath string, sha string, size int64) (*ImportRecord, error) {
	var imp ImportRecord
	err := s.db.Where("type = ? AND sha256 = ?", t, sha).First(&imp).Error
	if err == nil {
		imp.SourcePath = sourcePath
		imp.SizeBytes = size
		imp.Status = ImportStatusReceived
		imp.LastError = ""
		imp.ProcessedAt = nil
		if err := s.db.Save(&imp).Error; err != nil {
			return nil, err
		}
		return &imp, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	imp = ImportRecord{
		ImportID:   uuid.NewString(),
		Type:       t,
		SourcePath: sourcePath,
		SHA256:     sha,
		SizeBytes:  size,
		Status:     ImportStatusReceived,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.Create(&imp).Error; err != nil {
		return nil, err
	}
	return &imp, nil
}

func (s *Store) MarkImportFailed(imp *ImportRecord, cause error) {
	_ = s.db.Model(&ImportRecord{}).
		Where("id = ?", imp.ID).
		Updates(map[string]any{"status": ImportStatusFailed, "last_error": cause.Error()}).Error
}

// UpsertAgents writes the registry payload, last write wins by key.
func (s *Store) UpsertAgents(agents []Agent) error {
	if len(agents) == 0 {
		return nil
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"agent_id", "email", "full_name", "market", "updated_at"}),
	}).Create(&agents).Error
}

// CreateSnapshot persists the snapshot, its rows, its diff alerts and the
// import status flip in one transaction: either the whole import result
// becomes visible, or the import stays retryable and no events are lost.
// A half-written snapshot can never become the diff baseline.
func (s *Store) CreateSnapshot(t FileType, importID string, rows []SnapshotAgentRow, alerts []Alert, now time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		SnapshotID: uuid.NewString(),
		Type:       t,
		ImportID:   importID,
		CreatedAt:  now.UTC(),
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(snap).Error; err != nil {
			return err
		}
		for i := range rows {
			rows[i].SnapshotRef = snap.ID
		}
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		for i := range alerts {
			alerts[i].SnapshotRef = snap.ID
		}
		if len(alerts) > 0 {
			if err := tx.Create(&alerts).Error; err != nil {
				return err
			}
		}
		return tx.Model(&ImportRecord{}).
			Where("import_id = ?", importID).
			Updates(map[string]any{"status": ImportStatusProcessed, "processed_at": now.UTC(), "last_error": ""}).Error
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// LatestSnapshot returns the most recent snapshot for the type, or nil
// when the type has never been imported.
func (s *Store) LatestSnapshot(t FileType) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.Where("type = ?", t).Order("created_at DESC, id DESC").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// SnapshotByRef returns a snapshot by its internal id.
func (s *Store) SnapshotByRef(id uint) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.Where("id = ?", id).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// SnapshotRows returns a snapshot's rows in insertion order, which is the
// order diff emission follows.
func (s *Store) SnapshotRows(snapshotRef uint) ([]SnapshotAgentRow, error) {
	var rows []SnapshotAgentRow
	if err := s.db.Where("snapshot_ref = ?", snapshotRef).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// RecentAlerts returns up to limit alerts for a snapshot, newest first.
func (s *Store) RecentAlerts(snapshotRef uint, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 1000
	}
	var alerts []Alert
	err := s.db.Where("snapshot_ref = ?", snapshotRef).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&alerts).Error
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

// PendingAlerts returns alerts not yet forwarded.
func (s *Store) PendingAlerts() ([]Alert, error) {
	var alerts []Alert
	if err := s.db.Where("sent_syslog = ?", false).Order("id ASC").Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *Store) MarkAlertSent(id uint, at time.Time) error {
	at = at.UTC()
	return s.db.Model(&Alert{}).
		Where("id = ?", id).
		Updates(map[string]any{"sent_syslog": true, "send_error": "", "sent_at": &at}).Error
}

func (s *Store) MarkAlertSendError(id uint, cause error) error {
	return s.db.Model(&Alert{}).
		Where("id = ?", id).
		Updates(map[string]any{"send_error": cause.Error()}).Error
}

// PersistError distinguishes a write failure from a classification
// failure: the classification itself succeeded, only writing it out
// failed, so a caller may retry persistence without recomputing.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("classification succeeded, persistence failed (%s): %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
