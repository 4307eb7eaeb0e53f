// Package feed serves a read-only HTTP view of the ledger and a WebSocket
// live feed of appended events and sealed snapshots.
//
//   - GET /ws              live feed
//   - GET /health          liveness
//   - GET /api/events      recent events (?limit=50)
//   - GET /api/verify      chain verification over recent events (?limit=)
//   - GET /api/snapshots   recent snapshots (?limit=20)
//   - GET /api/score       score one record against the current rules (?id=)
//
// Publishing never blocks the caller; messages are dropped for slow or
// absent clients.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/carbondna/ledger/internal/compliance"
	"github.com/carbondna/ledger/internal/ledger"
	"github.com/carbondna/ledger/internal/snapshot"
)

// Message types sent over the feed.
const (
	TypeEventAppended  = "event_appended"
	TypeSnapshotSealed = "snapshot_sealed"
)

// Message is the envelope of every feed message.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EventSource is the ledger view the API reads from.
type EventSource interface {
	Events(ctx context.Context, q ledger.Query) ([]ledger.Event, error)
	VerifyRange(ctx context.Context, q ledger.Query) (ledger.RangeReport, error)
}

// SnapshotSource lists sealed snapshots and scores stored records.
type SnapshotSource interface {
	List(ctx context.Context, limit int) ([]snapshot.AuditSnapshot, error)
	ScoreRecord(ctx context.Context, id string) (compliance.ScoredRecord, error)
}

// Options holds the server's dependencies.
type Options struct {
	Events    EventSource
	Snapshots SnapshotSource
}

// Server is the feed and API server.
type Server struct {
	events    EventSource
	snapshots SnapshotSource
	hub       *hub
}

// New creates a server. Call Run or Start before publishing.
func New(opts Options) *Server {
	return &Server{
		events:    opts.Events,
		snapshots: opts.Snapshots,
		hub:       newHub(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/verify", s.handleVerify)
	mux.HandleFunc("/api/snapshots", s.handleSnapshots)
	mux.HandleFunc("/api/score", s.handleScore)
	return mux
}

// Start runs the broadcast hub until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.hub.run(ctx)
}

// Run starts the hub and serves HTTP on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.Start(ctx)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("feed server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// PublishEvent announces an appended ledger event. Suitable as a
// ledger.OnAppend callback.
func (s *Server) PublishEvent(e ledger.Event) {
	s.publish(TypeEventAppended, e)
}

// PublishSnapshot announces a sealed snapshot. Suitable as a
// snapshot.OnSealed callback.
func (s *Server) PublishSnapshot(snap snapshot.AuditSnapshot) {
	s.publish(TypeSnapshotSealed, snap)
}

func (s *Server) publish(typ string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal feed message", "type", typ, "error", err)
		return
	}
	msg, err := json.Marshal(Message{Type: typ, Data: data})
	if err != nil {
		slog.Error("failed to marshal feed message", "type", typ, "error", err)
		return
	}
	s.hub.broadcast(msg)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	events, err := s.events.Events(r.Context(), ledger.Query{Limit: limitParam(r, 50)})
	if err != nil {
		slog.Error("event query failed", "error", err)
		http.Error(w, "event query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.events.VerifyRange(r.Context(), ledger.Query{Limit: limitParam(r, 0)})
	if err != nil {
		slog.Error("chain verification failed", "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if s.snapshots == nil {
		writeJSON(w, http.StatusOK, []snapshot.AuditSnapshot{})
		return
	}
	snaps, err := s.snapshots.List(r.Context(), limitParam(r, 20))
	if err != nil {
		slog.Error("snapshot query failed", "error", err)
		http.Error(w, "snapshot query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" || s.snapshots == nil {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	sr, err := s.snapshots.ScoreRecord(r.Context(), id)
	if errors.Is(err, snapshot.ErrUnknownRecord) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("scoring failed", "id", id, "error", err)
		http.Error(w, "scoring failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

func limitParam(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
