// Package admin serves the host's operational HTTP surface: Prometheus
// metrics, slot and task diagnostics, lifecycle controls and pprof.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scripthost/internal/client"
	"scripthost/internal/event"
	"scripthost/internal/reload"
	"scripthost/internal/runtime/supervisor"
	logx "scripthost/pkg/logx"
)

const maxReloadBody = 1 << 20

// Host is the profile surface the admin server drives.
type Host interface {
	ID() string
	Name() string
	Slots() []client.Snapshot
	ReloadData(slotID uint64) (*reload.Data, bool)
	Post(ev event.Event) error
	Restart() error
	StopClient() error
	StartClient() error
	StartClientWith(d *reload.Data) error
	Close()
}

// Tasks exposes supervisor diagnostics. Optional.
type Tasks interface {
	Snapshot() []supervisor.Stat
}

type Server struct {
	addr      string
	host      Host
	tasks     Tasks
	log       logx.Logger
	startedAt time.Time
}

func New(addr string, host Host, tasks Tasks, log logx.Logger) *Server {
	return &Server{
		addr:      addr,
		host:      host,
		tasks:     tasks,
		log:       log.With(logx.String("comp", "admin")),
		startedAt: time.Now(),
	}
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Info("admin server started", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin shutdown: %w", err)
		}
		s.log.Info("admin server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin serve: %w", err)
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/slots", s.handleSlots)
	r.Get("/slots/{id}/reload", s.handleReloadData)
	r.Get("/tasks", s.handleTasks)
	r.Post("/command", s.handleCommand)
	r.Route("/client", func(r chi.Router) {
		r.Post("/restart", s.control(s.host.Restart))
		r.Post("/stop", s.control(s.host.StopClient))
		r.Post("/start", s.handleStart)
	})
	r.Post("/close", func(w http.ResponseWriter, r *http.Request) {
		s.host.Close()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "closing"})
	})

	r.Route("/debug/pprof", func(r chi.Router) {
		r.HandleFunc("/", hpprof.Index)
		r.HandleFunc("/cmdline", hpprof.Cmdline)
		r.HandleFunc("/profile", hpprof.Profile)
		r.HandleFunc("/symbol", hpprof.Symbol)
		r.HandleFunc("/trace", hpprof.Trace)
		r.HandleFunc("/{name}", func(w http.ResponseWriter, r *http.Request) {
			hpprof.Handler(chi.URLParam(r, "name")).ServeHTTP(w, r)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	state := "none"
	if slots := s.host.Slots(); len(slots) > 0 {
		state = slots[0].State
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"profile":        s.host.Name(),
		"profile_id":     s.host.ID(),
		"client":         state,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleSlots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Slots())
}

// handleReloadData writes a slot's reload data in its wire form, the same
// text a state file holds.
func (s *Server) handleReloadData(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid slot id")
		return
	}
	d, ok := s.host.ReloadData(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown slot")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, reload.Marshal(d))
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	if s.tasks == nil {
		writeJSON(w, http.StatusOK, []supervisor.Stat{})
		return
	}
	writeJSON(w, http.StatusOK, s.tasks.Snapshot())
}

type commandRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.host.Post(event.Command{Text: req.Text}); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) control(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

// handleStart starts a client. A non-empty body is reload data in wire form,
// as served by /slots/{id}/reload, and seeds the new client.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReloadBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > maxReloadBody {
		writeError(w, http.StatusRequestEntityTooLarge, "reload data too large")
		return
	}
	raw := strings.TrimSuffix(string(body), "\n")
	if raw == "" {
		s.control(s.host.StartClient)(w, r)
		return
	}
	d, err := reload.Unmarshal(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.control(func() error { return s.host.StartClientWith(d) })(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
