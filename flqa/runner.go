package flqa

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNoPendingImport is returned when a process request finds no file
// waiting in the type's input directory.
var ErrNoPendingImport = errors.New("no pending import file")

type RunnerConfig struct {
	DBPath string
	// Inputs map file-type globs to their type tag; files dropped there
	// are ingested on each run.
	Inputs []InputSpec
	// ArchiveDir receives source files after successful processing.
	// Empty means leave files in place (the SHA dedup keeps re-runs
	// idempotent).
	ArchiveDir string
	// ErrorDir receives files that failed to process.
	ErrorDir string
	// SyslogAddr enables alert forwarding when non-empty.
	SyslogAddr   string
	JobLabel     string
	ServiceLabel string
	Debug        bool
	// Aliases extends the built-in header alias table per canonical field.
	Aliases map[string][]string
	// Now is the as-of clock for eligibility math. Injectable so runs are
	// deterministic and reproducible.
	Now func() time.Time
}

type InputSpec struct {
	Glob string
	Type FileType
}

// Runner is the single-writer import pipeline. The mutex serializes all
// snapshot creation, which is what guarantees that a diff always compares
// against the snapshot strictly preceding the new one for the same type,
// even when the poll loop and the HTTP process endpoint ingest at once.
type Runner struct {
	cfg    RunnerConfig
	store  *Store
	norm   *Normalizer
	sender AlertSender
	now    func() time.Time

	mu sync.Mutex
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return nil, fmt.Errorf("DBPath is required")
	}
	if cfg.JobLabel == "" {
		cfg.JobLabel = "flqa-import"
	}
	if cfg.ServiceLabel == "" {
		cfg.ServiceLabel = "flqa"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	norm, err := NewNormalizer(cfg.Aliases)
	if err != nil {
		return nil, err
	}
	db, err := OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:   cfg,
		store: NewStore(db),
		norm:  norm,
		now:   cfg.Now,
	}
	if cfg.SyslogAddr != "" {
		r.sender = NewSyslogClient(cfg.SyslogAddr)
	}
	return r, nil
}

func (r *Runner) Store() *Store { return r.store }

func (r *Runner) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *Runner) debugf(format string, args ...any) {
	if r == nil || !r.cfg.Debug {
		return
	}
	log.Printf(format, args...)
}

type runStats struct {
	FilesIngested  int
	FilesSkipped   int
	FilesErrored   int
	RowsClassified int
	EventsEmitted  int
	AlertsSentOK   int
	AlertsSentErr  int
}

// ProcessResult reports one completed import.
type ProcessResult struct {
	ImportID   string   `json:"import_id"`
	SnapshotID string   `json:"snapshot_id"`
	Type       FileType `json:"type"`
	Rows       int      `json:"rows"`
	DiffEvents int      `json:"diff_events"`
	Skipped    bool     `json:"skipped,omitempty"`
}

// RunOnce ingests every pending input file and retries alerts that failed
// to forward on earlier runs.
func (r *Runner) RunOnce() error {
	start := time.Now()
	stats := &runStats{}
	for _, in := range r.cfg.Inputs {
		paths, err := filepath.Glob(in.Glob)
		if err != nil {
			return fmt.Errorf("bad input glob %q: %w", in.Glob, err)
		}
		sort.Strings(paths)
		for _, p := range paths {
			r.debugf("ingest path=%q type=%s", p, in.Type)
			if err := r.ingestFile(p, in.Type, stats); err != nil {
				r.debugf("ingest failed path=%q err=%v", p, err)
				stats.FilesErrored++
			}
		}
	}
	if err := r.resendPendingAlerts(stats); err != nil {
		return err
	}
	r.debugf("run_once done: ingested=%d skipped=%d errored=%d rows=%d events=%d sentOK=%d sentErr=%d elapsed=%s",
		stats.FilesIngested, stats.FilesSkipped, stats.FilesErrored, stats.RowsClassified,
		stats.EventsEmitted, stats.AlertsSentOK, stats.AlertsSentErr, time.Since(start))
	return nil
}

// ProcessPending ingests the newest file waiting in the type's input glob.
// Used by the HTTP process endpoint.
func (r *Runner) ProcessPending(t FileType) (*ProcessResult, error) {
	var spec *InputSpec
	for i := range r.cfg.Inputs {
		if r.cfg.Inputs[i].Type == t {
			spec = &r.cfg.Inputs[i]
			break
		}
	}
	if spec == nil {
		return nil, ErrNoPendingImport
	}
	paths, err := filepath.Glob(spec.Glob)
	if err != nil {
		return nil, fmt.Errorf("bad input glob %q: %w", spec.Glob, err)
	}
	newest := ""
	var newestMod time.Time
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = p
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return nil, ErrNoPendingImport
	}
	stats := &runStats{}
	res, err := r.ingestFileResult(newest, t, stats)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Runner) ingestFile(path string, t FileType, stats *runStats) error {
	_, err := r.ingestFileResult(path, t, stats)
	return err
}

func (r *Runner) ingestFileResult(path string, t FileType, stats *runStats) (*ProcessResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("input is a directory: %s", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if r.cfg.ErrorDir != "" {
			_, _ = MoveFileToDir(path, r.cfg.ErrorDir, t)
		}
		return nil, err
	}

	res, err := r.processCSV(t, path, content, stats)
	if err != nil {
		if r.cfg.ErrorDir != "" {
			_, _ = MoveFileToDir(path, r.cfg.ErrorDir, t)
		}
		return nil, err
	}

	if res.Skipped {
		stats.FilesSkipped++
	} else {
		stats.FilesIngested++
		stats.RowsClassified += res.Rows
		stats.EventsEmitted += res.DiffEvents
	}
	if r.cfg.ArchiveDir != "" {
		if _, mvErr := MoveFileToDir(path, r.cfg.ArchiveDir, t); mvErr != nil {
			r.debugf("archive move failed path=%q err=%v", path, mvErr)
		}
	}
	return res, nil
}

// ProcessCSV runs the full pipeline on raw CSV content: parse, normalize,
// derive keys, classify, diff against the previous snapshot, persist and
// forward. The classification phase is pure; persistence failures come
// back as *PersistError so callers know the computation itself does not
// need retrying.
func (r *Runner) ProcessCSV(t FileType, sourcePath string, content []byte) (*ProcessResult, error) {
	return r.processCSV(t, sourcePath, content, &runStats{})
}

func (r *Runner) processCSV(t FileType, sourcePath string, content []byte, stats *runStats) (*ProcessResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])

	done, err := r.store.FindProcessedImport(t, sha)
	if err != nil {
		return nil, err
	}
	if done {
		r.debugf("skip already processed type=%s sha=%s", t, sha)
		return &ProcessResult{Type: t, Skipped: true}, nil
	}

	imp, err := r.store.CreateImport(t, sourcePath, sha, int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("create import: %w", err)
	}

	asOf := r.now().UTC()
	rows, agents := r.Classify(t, ParseCSV(string(content)), asOf)

	// The diff baseline is the latest snapshot at the moment this import
	// commits; the runner mutex is what makes it the strictly preceding
	// one. No previous snapshot means zero events, not an error.
	prev, err := r.store.LatestSnapshot(t)
	if err != nil {
		return nil, fmt.Errorf("lookup previous snapshot: %w", err)
	}
	var events []DiffEvent
	if prev != nil {
		prevRows, err := r.store.SnapshotRows(prev.ID)
		if err != nil {
			return nil, fmt.Errorf("load previous rows: %w", err)
		}
		events = DiffSnapshots(prevRows, rows)
	}
	alerts := make([]Alert, 0, len(events))
	for _, ev := range events {
		payload, _ := json.Marshal(map[string]SnapshotAgentRow{"prev": ev.Prev, "next": ev.Next})
		alerts = append(alerts, Alert{
			AgentKey:  ev.AgentKey,
			EventType: ev.Kind,
			Payload:   string(payload),
			CreatedAt: asOf,
		})
	}

	if err := r.store.UpsertAgents(agents); err != nil {
		r.store.MarkImportFailed(imp, err)
		return nil, &PersistError{Op: "upsert agents", Err: err}
	}
	// Snapshot, rows, alerts and the import status flip commit together,
	// so a persistence failure leaves the import retryable and loses no
	// events.
	snap, err := r.store.CreateSnapshot(t, imp.ImportID, rows, alerts, asOf)
	if err != nil {
		r.store.MarkImportFailed(imp, err)
		return nil, &PersistError{Op: "create snapshot", Err: err}
	}

	// Forwarding is best-effort; failures stay pending for the next run.
	for i := range alerts {
		r.forwardAlert(&alerts[i], snap, stats)
	}

	return &ProcessResult{
		ImportID:   imp.ImportID,
		SnapshotID: snap.SnapshotID,
		Type:       t,
		Rows:       len(rows),
		DiffEvents: len(events),
	}, nil
}

// Classify is the pure per-row stage: normalize, derive the agent key and
// compute eligibility. It also builds the registry upsert payload,
// deduplicated by key (last row wins, matching the store's last-write-wins
// contract).
func (r *Runner) Classify(t FileType, raw []RawRecord, asOf time.Time) ([]SnapshotAgentRow, []Agent) {
	rows := make([]SnapshotAgentRow, 0, len(raw))
	agentIdx := make(map[string]int)
	agents := make([]Agent, 0, len(raw))

	for _, rec := range raw {
		m := r.norm.NormalizeRow(t, rec)
		key := AgentKeyFor(m)
		comp := ComputeEligibility(m.GCI6M, m.TX6M, m.FLQAExpires, asOf)

		rows = append(rows, SnapshotAgentRow{
			AgentKey:     key,
			GCI6M:        m.GCI6M,
			TX6M:         m.TX6M,
			FLQAExpires:  m.FLQAExpires,
			InFLA:        t == FileTypeFLA,
			InFLQA:       t == FileTypeFLQA,
			EligibleNow:  comp.EligibleNow,
			Status:       comp.Status,
			MissingGCI:   comp.MissingGCI,
			MissingTX:    comp.MissingTX,
			DaysToExpire: comp.DaysToExpire,
		})

		a := Agent{
			AgentKey:  key,
			AgentID:   m.AgentID,
			Email:     m.Email,
			FullName:  m.FullName,
			Market:    m.Market,
			UpdatedAt: asOf,
		}
		if i, ok := agentIdx[key]; ok {
			agents[i] = a
		} else {
			agentIdx[key] = len(agents)
			agents = append(agents, a)
		}
	}
	return rows, agents
}

func (r *Runner) forwardAlert(a *Alert, snap *Snapshot, stats *runStats) {
	if r.sender == nil {
		return
	}
	structured := buildStructuredData("flqa", map[string]string{
		"job":       r.cfg.JobLabel,
		"service":   r.cfg.ServiceLabel,
		"type":      string(snap.Type),
		"event":     string(a.EventType),
		"agent_key": a.AgentKey,
		"snapshot":  snap.SnapshotID,
	})
	if err := r.sender.SendRFC5424Timeout("flqa-radar", structured, a.Payload, 3*time.Second); err != nil {
		r.debugf("alert send failed id=%d err=%v", a.ID, err)
		_ = r.store.MarkAlertSendError(a.ID, err)
		if stats != nil {
			stats.AlertsSentErr++
		}
		return
	}
	_ = r.store.MarkAlertSent(a.ID, r.now())
	if stats != nil {
		stats.AlertsSentOK++
	}
}

func (r *Runner) resendPendingAlerts(stats *runStats) error {
	if r.sender == nil {
		return nil
	}
	pending, err := r.store.PendingAlerts()
	if err != nil {
		return err
	}
	snapCache := make(map[uint]*Snapshot)
	for i := range pending {
		snap, ok := snapCache[pending[i].SnapshotRef]
		if !ok {
			snap, err = r.store.SnapshotByRef(pending[i].SnapshotRef)
			if err != nil {
				return err
			}
			snapCache[pending[i].SnapshotRef] = snap
		}
		if snap == nil {
			continue
		}
		r.forwardAlert(&pending[i], snap, stats)
	}
	return nil
}
