package flqa

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server exposes the reporting API over the snapshot store and triggers
// imports through the runner.
type Server struct {
	runner *Runner
	store  *Store
}

func NewServer(runner *Runner) *Server {
	return &Server{runner: runner, store: runner.Store()}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/snapshots/latest", s.handleLatest)
	r.Post("/api/process", s.handleProcess)
	return r
}

// latestResponse is the reporting contract: the requested type's latest
// snapshot with its stored rows for traceability, plus the reconciled
// FLA-universe view with the authoritative headline counts and the raw
// debug counts, and the snapshot's most recent alerts (newest first,
// capped).
type latestResponse struct {
	Snapshot *Snapshot          `json:"snapshot"`
	Rows     []SnapshotAgentRow `json:"rows,omitempty"`
	Unified  []UnifiedAgentRow  `json:"unified,omitempty"`
	KPIs     *HeadlineKPIs      `json:"kpis"`
	RawKPIs  *RawKPIs           `json:"raw_kpis"`
	Alerts   []Alert            `json:"alerts"`
}

const maxAlertsPerResponse = 1000

func (s *Server) handleLatest(w http.ResponseWriter, req *http.Request) {
	t, err := ParseFileType(req.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := s.store.LatestSnapshot(t)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		// No data yet: defined, not an error.
		writeJSON(w, http.StatusOK, latestResponse{Snapshot: nil, Alerts: []Alert{}})
		return
	}

	rows, err := s.store.SnapshotRows(snap.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	alerts, err := s.store.RecentAlerts(snap.ID, maxAlertsPerResponse)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := latestResponse{Snapshot: snap, Rows: rows, Alerts: alerts}

	// The headline KPIs always reconcile the FLA universe against the
	// latest FLQA snapshot, whichever type was requested. Without an FLA
	// snapshot they are null.
	flaSnap := snap
	if t != FileTypeFLA {
		flaSnap, err = s.store.LatestSnapshot(FileTypeFLA)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if flaSnap != nil {
		flaRows := rows
		if flaSnap.ID != snap.ID {
			flaRows, err = s.store.SnapshotRows(flaSnap.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		var flqaRows []SnapshotAgentRow
		flqaSnap, err := s.store.LatestSnapshot(FileTypeFLQA)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if flqaSnap != nil {
			if flqaSnap.ID == snap.ID {
				flqaRows = rows
			} else {
				flqaRows, err = s.store.SnapshotRows(flqaSnap.ID)
				if err != nil {
					writeError(w, http.StatusInternalServerError, err.Error())
					return
				}
			}
		}
		unified, kpis, raw := ReconcileKPIs(flaRows, flqaRows)
		resp.Unified = unified
		resp.KPIs = &kpis
		resp.RawKPIs = &raw
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProcess(w http.ResponseWriter, req *http.Request) {
	t, err := ParseFileType(req.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.runner.ProcessPending(t)
	if err != nil {
		if errors.Is(err, ErrNoPendingImport) {
			writeError(w, http.StatusNotFound, "no pending import for type")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
