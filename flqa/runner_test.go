package flqa

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

type mockAlertSender struct {
	mu    sync.Mutex
	calls []mockSendCall
	failN int
}

type mockSendCall struct {
	appName        string
	structuredData string
	message        string
}

func (m *mockAlertSender) SendRFC5424Timeout(appName string, structuredData string, message string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockSendCall{appName: appName, structuredData: structuredData, message: message})
	if m.failN > 0 {
		m.failN--
		return errors.New("mock send failure")
	}
	return nil
}

func (m *mockAlertSender) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
}

func (m *mockAlertSender) Calls() []mockSendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockSendCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func newTestRunner(t *testing.T, tmp string, asOf string) *Runner {
	t.Helper()
	day, err := time.Parse("2006-01-02", asOf)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(tmp, "inbox"), 0o755); err != nil {
		t.Fatal(err)
	}
	runner, err := NewRunner(RunnerConfig{
		DBPath: filepath.Join(tmp, "flqa.db"),
		Inputs: []InputSpec{
			{Glob: filepath.Join(tmp, "inbox", "fla-*.csv"), Type: FileTypeFLA},
			{Glob: filepath.Join(tmp, "inbox", "flqa-*.csv"), Type: FileTypeFLQA},
		},
		ArchiveDir: filepath.Join(tmp, "archive"),
		ErrorDir:   filepath.Join(tmp, "errors"),
		Now:        func() time.Time { return day },
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { runner.Close() })
	return runner
}

func dropFile(t *testing.T, tmp, name, content string) string {
	t.Helper()
	p := filepath.Join(tmp, "inbox", name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

const flaCSVv1 = "Agent ID,Full Name,Market,GCI Sum (6 Month),Transaction Count (6 Month)\n" +
	"A-1,Jane Doe,Austin,\"$4,200\",1\n" +
	"A-2,Bob Roe,Dallas,$6000,0\n"

const flaCSVv2 = "Agent ID,Full Name,Market,GCI Sum (6 Month),Transaction Count (6 Month)\n" +
	"A-1,Jane Doe,Austin,\"$5,100\",1\n" +
	"A-2,Bob Roe,Dallas,$6000,0\n"

// A-1 drops back below the GCI threshold.
const flaCSVv3 = "Agent ID,Full Name,Market,GCI Sum (6 Month),Transaction Count (6 Month)\n" +
	"A-1,Jane Doe,Austin,\"$4,900\",1\n" +
	"A-2,Bob Roe,Dallas,$6000,0\n"

func TestRunner_ImportCreatesSnapshotRowsAndRegistry(t *testing.T) {
	tmp := t.TempDir()
	runner := newTestRunner(t, tmp, "2024-06-01")

	p := dropFile(t, tmp, "fla-1.csv", flaCSVv1)
	if err := runner.RunOnce(); err != nil {
		t.Fatal(err)
	}

	// Source moved to the type's archive subdirectory.
	if _, err := os.Stat(p); err == nil {
		t.Fatalf("expected source file archived: %s", p)
	}
	if _, err := os.Stat(filepath.Join(tmp, "archive", "fla", "fla-1.csv")); err != nil {
		t.Fatalf("expected archived copy: %v", err)
	}

	store := runner.Store()
	snap, err := store.LatestSnapshot(FileTypeFLA)
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil {
		t.Fatal("expected a snapshot")
	}
	rows, err := store.SnapshotRows(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].AgentKey != "A-1" || rows[0].Status != StatusAlmostFLQA || rows[0].EligibleNow {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if rows[1].AgentKey != "A-2" || !rows[1].EligibleNow || rows[1].Status != StatusFLQAEligible {
		t.Fatalf("unexpected second row: %+v", rows[1])
	}
	if rows[0].GCI6M == nil || *rows[0].GCI6M != 4200 {
		t.Fatalf("unexpected gci: %v", rows[0].GCI6M)
	}
}

func TestRunner_SameContentIsProcessedOnce(t *testing.T) {
	tmp := t.TempDir()
	runner := newTestRunner(t, tmp, "2024-06-01")

	dropFile(t, tmp, "fla-1.csv", flaCSVv1)
	if err := runner.RunOnce(); err != nil {
		t.Fatal(err)
	}
	// Same content again under another name: SHA dedup must skip it.
	dropFile(t, tmp, "fla-2.csv", flaCSVv1)
	if err := runner.RunOnce(); err != nil {
		t.Fatal(err)
	}

	var count int64
	if err := runner.Store().db.Model(&Snapshot{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 snapshot, got %d", count)
	}
}

func TestRunner_DiffPersistsAlert(t *testing.T) {
	tmp := t.TempDir()
	runner := newTestRunner(t, tmp, "2024-06-01")
	sender := &mockAlertSender{}
	runner.sender = sender

	dropFile(t, tmp, "fla-1.csv", flaCSVv1)
	if err := runner.RunOnce(); err != nil {
		t.Fatal(err)
	}
	if len(sender.Calls()) != 0 {
		t.Fatalf("first snapshot must not alert, got %d sends", len(sender.Calls()))
	}

	// A-1 crosses the GCI threshold in the second export.
	dropFile(t, tmp, "fla-2.csv", flaCSVv2)
	if err := runner.RunOnce(); err != nil {
		t.Fatal(err)
	}

	store := runner.Store()
	snap, err := store.LatestSnapshot(FileTypeFLA)
	if err != nil {
		t.Fatal(err)
	}
	alerts, err := store.RecentAlerts(snap.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(alerts))
	}
	if alerts[0].AgentKey != "A-1" || alerts[0].EventType != EventBecameEligible {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
	if !alerts[0].SentSyslog {
		t.Fatalf("expected alert forwarded: %+v", alerts[0])
	}

	calls := sender.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 send, got %d", len(calls))
	}
	if want := `event="BECAME_ELIGIBLE"`; !strings.Contains(calls[0].structuredData, want) {
		t.Fatalf("expected %s in structured data %q", want, calls[0].structuredData)
	}
	if want := `agent_key="A-1"`; !strings.Contains(calls[0].structuredData, want) {
		t.Fatalf("expected %s in structured data %q", want, calls[0].structuredData)
	}
}

func TestRunner_FailedAlertIsResent(t *testing.T) {
	tmp := t.TempDir()
	runner := newTestRunner(t, tmp, "2024-06-01")
	sender := &mockAlertSender{}
	runner.sender = sender

	dropFile(t, tmp, "fla-1.csv", flaCSVv1)
	if err := runner.RunOnce(); err != nil {
		t.Fatal(err)
	}

	sender.FailNext(2)
	dropFile(t, tmp, "fla-2.csv", flaCSVv2)
	if err := runner.RunOnce(); err != nil {
		t.Fatal(err)
	}

	pending, err := runner.Store().PendingAlerts()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].SendError == "" {
		t.Fatalf("expected 1 pending alert with send error, got %+v", pending)
	}

	// Next run retries and succeeds.
	if err := runner.RunOnce(); err != nil {
		t.Fatal(err)
	}
	pending, err = runner.Store().PendingAlerts()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending alerts after resend, got %d", len(pending))
	}
}

func TestRunner_AlertPersistFailureIsRetryable(t *testing.T) {
	tmp := t.TempDir()
	runner := newTestRunner(t, tmp, "2024-06-01")

	if _, err := runner.ProcessCSV(FileTypeFLA, "fla-1.csv", []byte(flaCSVv1)); err != nil {
		t.Fatal(err)
	}

	// Break alert persistence for the import that produces a diff event.
	db := runner.Store().db
	if err := db.Migrator().DropTable(&Alert{}); err != nil {
		t.Fatal(err)
	}
	_, err := runner.ProcessCSV(FileTypeFLA, "fla-2.csv", []byte(flaCSVv2))
	var pe *PersistError
	if !errors.As(err, &pe) {
		t.Fatalf("expected a persist error, got %v", err)
	}
	if err := db.AutoMigrate(&Alert{}); err != nil {
		t.Fatal(err)
	}

	// Same content again: the failed import must not satisfy the dedup, and
	// the transition must come out on the retry.
	res, err := runner.ProcessCSV(FileTypeFLA, "fla-2.csv", []byte(flaCSVv2))
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped {
		t.Fatal("retry of a failed import must not be skipped")
	}
	if res.DiffEvents != 1 {
		t.Fatalf("expected 1 diff event on retry, got %d", res.DiffEvents)
	}

	snap, err := runner.Store().LatestSnapshot(FileTypeFLA)
	if err != nil {
		t.Fatal(err)
	}
	alerts, err := runner.Store().RecentAlerts(snap.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].EventType != EventBecameEligible {
		t.Fatalf("expected the BECAME_ELIGIBLE alert persisted, got %+v", alerts)
	}
}

func TestRunner_ConcurrentImportsAreSerialized(t *testing.T) {
	tmp := t.TempDir()
	runner := newTestRunner(t, tmp, "2024-06-01")

	contents := map[string]string{"fla-a.csv": flaCSVv1, "fla-b.csv": flaCSVv2}
	var wg sync.WaitGroup
	for name, content := range contents {
		wg.Add(1)
		go func(name, content string) {
			defer wg.Done()
			if _, err := runner.ProcessCSV(FileTypeFLA, name, []byte(content)); err != nil {
				t.Errorf("process %s: %v", name, err)
			}
		}(name, content)
	}
	wg.Wait()

	db := runner.Store().db
	var snaps int64
	if err := db.Model(&Snapshot{}).Count(&snaps).Error; err != nil {
		t.Fatal(err)
	}
	if snaps != 2 {
		t.Fatalf("expected 2 snapshots, got %d", snaps)
	}
	// Whichever import commits second diffs against the first, so exactly
	// one transition is recorded regardless of order.
	var alerts int64
	if err := db.Model(&Alert{}).Count(&alerts).Error; err != nil {
		t.Fatal(err)
	}
	if alerts != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", alerts)
	}
}

func TestRunner_StatsCountFirstAttemptSends(t *testing.T) {
	tmp := t.TempDir()
	runner := newTestRunner(t, tmp, "2024-06-01")
	sender := &mockAlertSender{}
	runner.sender = sender

	if _, err := runner.ProcessCSV(FileTypeFLA, "fla-1.csv", []byte(flaCSVv1)); err != nil {
		t.Fatal(err)
	}

	stats := &runStats{}
	if _, err := runner.processCSV(FileTypeFLA, "fla-2.csv", []byte(flaCSVv2), stats); err != nil {
		t.Fatal(err)
	}
	if stats.AlertsSentOK != 1 || stats.AlertsSentErr != 0 {
		t.Fatalf("expected first-attempt send counted, got %+v", stats)
	}

	sender.FailNext(1)
	stats = &runStats{}
	if _, err := runner.processCSV(FileTypeFLA, "fla-3.csv", []byte(flaCSVv3), stats); err != nil {
		t.Fatal(err)
	}
	if stats.AlertsSentErr != 1 || stats.AlertsSentOK != 0 {
		t.Fatalf("expected failed send counted, got %+v", stats)
	}
}

func TestRunner_MalformedRowsStillClassify(t *testing.T) {
	tmp := t.TempDir()
	runner := newTestRunner(t, tmp, "2024-06-01")

	csv := "Agent ID,GCI Sum (6 Month),Transaction Count (6 Month)\n" +
		"A-9,not-a-number,\n" +
		",,\n"
	dropFile(t, tmp, "fla-1.csv", csv)
	if err := runner.RunOnce(); err != nil {
		t.Fatal(err)
	}

	store := runner.Store()
	snap, err := store.LatestSnapshot(FileTypeFLA)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := store.SnapshotRows(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows (degenerate rows still classify), got %d", len(rows))
	}
	for _, r := range rows {
		if r.EligibleNow || r.Status != StatusFLAOnly {
			t.Fatalf("expected ineligible FLA_ONLY, got %+v", r)
		}
		if r.GCI6M != nil || r.TX6M != nil {
			t.Fatalf("expected absent metrics, got %+v", r)
		}
	}
}

func TestRunner_ClassifyIsIdempotent(t *testing.T) {
	tmp := t.TempDir()
	runner := newTestRunner(t, tmp, "2024-06-01")

	raw := ParseCSV(flaCSVv1)
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	rowsA, agentsA := runner.Classify(FileTypeFLA, raw, asOf)
	rowsB, agentsB := runner.Classify(FileTypeFLA, raw, asOf)
	if !reflect.DeepEqual(rowsA, rowsB) {
		t.Fatalf("classification not idempotent:\n%+v\nvs\n%+v", rowsA, rowsB)
	}
	if !reflect.DeepEqual(agentsA, agentsB) {
		t.Fatalf("registry payload not idempotent:\n%+v\nvs\n%+v", agentsA, agentsB)
	}
}

func TestRunner_ProcessPending(t *testing.T) {
	tmp := t.TempDir()
	runner := newTestRunner(t, tmp, "2024-06-01")

	if _, err := runner.ProcessPending(FileTypeFLA); !errors.Is(err, ErrNoPendingImport) {
		t.Fatalf("expected ErrNoPendingImport, got %v", err)
	}

	dropFile(t, tmp, "fla-1.csv", flaCSVv1)
	res, err := runner.ProcessPending(FileTypeFLA)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 2 || res.Type != FileTypeFLA || res.SnapshotID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunner_UnreadableFileMovesToErrorDir(t *testing.T) {
	tmp := t.TempDir()
	runner := newTestRunner(t, tmp, "2024-06-01")

	// A directory matching the glob cannot be ingested.
	if err := os.MkdirAll(filepath.Join(tmp, "inbox", "fla-bad.csv"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := runner.RunOnce(); err != nil {
		t.Fatal(err)
	}
	snap, err := runner.Store().LatestSnapshot(FileTypeFLA)
	if err != nil {
		t.Fatal(err)
	}
	if snap != nil {
		t.Fatalf("expected no snapshot from unreadable input, got %+v", snap)
	}
}

