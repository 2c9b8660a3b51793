// Package api serves the page healer over HTTP: diagnostic event ingest,
// repair history and a WebSocket feed of repair outcomes.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/FocuswithJustin/PageHealer/core/heal"
	"github.com/FocuswithJustin/PageHealer/core/signal"
	"github.com/FocuswithJustin/PageHealer/internal/bufmgr"
	"github.com/FocuswithJustin/PageHealer/internal/ledger"
	"github.com/FocuswithJustin/PageHealer/internal/logging"
)

// History is the repair history the server reads from.
type History interface {
	List(ctx context.Context, f ledger.Filter) ([]heal.Report, error)
	Summary(ctx context.Context) (map[heal.Outcome]int, error)
}

// PageReader reads verified pages through the buffer manager.
type PageReader interface {
	ReadPage(relPath string, block uint32) ([]byte, error)
	Stats() bufmgr.Stats
}

// Deps are the collaborators a server works with. Any of them may be nil;
// the endpoints that need a missing one answer 503.
type Deps struct {
	// Bus receives submitted events.
	Bus     *signal.Bus
	History History
	Pages   PageReader
}

// Server is the HTTP front end.
type Server struct {
	cfg     Config
	deps    Deps
	feed    *Feed
	started time.Time
}

// New creates a server.
func New(cfg Config, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		feed:    NewFeed(),
		started: time.Now(),
	}
}

// Feed returns the live repair feed. Pass it to the healer as a recorder.
func (s *Server) Feed() *Feed { return s.feed }

// Handler returns the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/repairs", s.handleRepairs)
	mux.HandleFunc("/api/repairs/summary", s.handleSummary)
	mux.HandleFunc("/api/pages", s.handlePage)
	mux.HandleFunc("/ws", s.handleFeed)

	var handler http.Handler = securityHeadersMiddleware(mux)
	handler = corsMiddleware(s.cfg.AllowedOrigins, handler)
	return logging.Middleware(handler)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	defer s.feed.Close()

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logging.ServerStartup("http", s.cfg.Addr, "websocket_path", "/ws")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
