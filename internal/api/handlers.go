package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/FocuswithJustin/PageHealer/core/errors"
	"github.com/FocuswithJustin/PageHealer/core/heal"
	"github.com/FocuswithJustin/PageHealer/core/page"
	"github.com/FocuswithJustin/PageHealer/core/signal"
	"github.com/FocuswithJustin/PageHealer/internal/bufmgr"
	"github.com/FocuswithJustin/PageHealer/internal/ledger"
	"github.com/FocuswithJustin/PageHealer/internal/logging"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// APIResponse is the envelope around every JSON reply. Exactly one of Data
// and Error is set.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *APIMeta    `json:"meta,omitempty"`
}

// APIError carries a machine-readable code next to the message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIMeta is attached to every reply. Total is set for list endpoints.
type APIMeta struct {
	Total     int    `json:"total,omitempty"`
	Timestamp string `json:"timestamp"`
}

// HealthInfo is the health check response.
type HealthInfo struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Uptime  string        `json:"uptime"`
	Feed    FeedStats     `json:"feed"`
	Cache   *bufmgr.Stats `json:"cache,omitempty"`
}

// PageInfo is a page read through the buffer manager.
type PageInfo struct {
	Path  string `json:"path"`
	Block uint32 `json:"block"`
	page.Summary
}

// EventRequest submits a diagnostic event. Either Line, a raw server log
// line, or Message with an optional Code and Severity is required.
type EventRequest struct {
	Line     string `json:"line,omitempty"`
	Severity string `json:"severity,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// EventResult reports whether a submitted event named a damaged page.
type EventResult struct {
	Matched bool           `json:"matched"`
	Target  *signal.Target `json:"target,omitempty"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint: "+r.URL.Path)
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"name":    "pagehealer",
		"version": s.cfg.Version,
		"endpoints": []string{
			"GET /health",
			"POST /api/events",
			"GET /api/repairs",
			"GET /api/repairs/summary",
			"GET /api/pages?path=&block=",
			"WS /ws?path=&outcome=",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := HealthInfo{
		Status:  "healthy",
		Version: s.cfg.Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Feed:    s.feed.Stats(),
	}
	if s.deps.Pages != nil {
		st := s.deps.Pages.Stats()
		info.Cache = &st
	}
	respond(w, http.StatusOK, info)
}

// handlePage reads a page the way the server would. A page that fails
// verification answers 422 after the buffer manager has raised its event.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use GET")
		return
	}
	if s.deps.Pages == nil {
		respondError(w, http.StatusServiceUnavailable, "NO_BUFFER_MANAGER", "Page reads are not configured")
		return
	}

	q := r.URL.Query()
	relPath := q.Get("path")
	block, err := strconv.ParseUint(q.Get("block"), 10, 32)
	if relPath == "" || err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_QUERY", "path and block are required")
		return
	}

	buf, err := s.deps.Pages.ReadPage(relPath, uint32(block))
	var invalid *bufmgr.InvalidPageError
	var parseErr *errors.ParseError
	switch {
	case err == nil:
		respond(w, http.StatusOK, PageInfo{Path: relPath, Block: uint32(block), Summary: page.Summarize(buf)})
	case errors.As(err, &invalid):
		respondError(w, http.StatusUnprocessableEntity, "INVALID_PAGE", err.Error())
	case errors.As(err, &parseErr):
		respondError(w, http.StatusBadRequest, "INVALID_PATH", err.Error())
	default:
		logging.FromContext(r.Context()).Warn("page read failed", "path", relPath, "block", block, "error", err)
		respondError(w, http.StatusNotFound, "READ_FAILED", err.Error())
	}
}

// handleEvents emits a submitted event on the bus. Subscribers run before
// the response is written.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use POST")
		return
	}

	var req EventRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	ev, err := req.event()
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_EVENT", err.Error())
		return
	}

	var result EventResult
	target, err := ev.Target()
	switch {
	case err == nil:
		result = EventResult{Matched: true, Target: &target}
	case errors.Is(err, errors.ErrSignalMismatch):
	default:
		logging.FromContext(r.Context()).Info("could not determine repair target", "error", err)
	}

	if s.deps.Bus != nil {
		s.deps.Bus.Emit(ev)
	}
	respond(w, http.StatusAccepted, result)
}

func (req EventRequest) event() (signal.Event, error) {
	if req.Line != "" {
		ev, ok := signal.ParseLogLine(req.Line)
		if !ok {
			return ev, errors.NewParse("log line", req.Line, "no severity found")
		}
		return ev, nil
	}
	if req.Message == "" {
		return signal.Event{}, errors.NewValidation("message", "line or message is required")
	}

	sev := signal.SeverityError
	if req.Severity != "" {
		var ok bool
		if sev, ok = signal.ParseSeverity(req.Severity); !ok {
			return signal.Event{}, errors.NewValidation("severity", "unknown severity "+req.Severity)
		}
	}
	return signal.Event{Severity: sev, Code: req.Code, Message: req.Message}, nil
}

func (s *Server) handleRepairs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use GET")
		return
	}
	if s.deps.History == nil {
		respondError(w, http.StatusServiceUnavailable, "NO_HISTORY", "Repair history is not configured")
		return
	}

	f, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	reports, err := s.deps.History.List(r.Context(), f)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to list repairs", "error", err)
		respondError(w, http.StatusInternalServerError, "HISTORY_FAILED", "Failed to read repair history")
		return
	}
	if reports == nil {
		reports = []heal.Report{}
	}
	respondList(w, reports, len(reports))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use GET")
		return
	}
	if s.deps.History == nil {
		respondError(w, http.StatusServiceUnavailable, "NO_HISTORY", "Repair history is not configured")
		return
	}

	counts, err := s.deps.History.Summary(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to summarise repairs", "error", err)
		respondError(w, http.StatusInternalServerError, "HISTORY_FAILED", "Failed to read repair history")
		return
	}
	out := make(map[string]int, len(counts))
	for o, n := range counts {
		out[o.String()] = n
	}
	respond(w, http.StatusOK, out)
}

// parseFilter reads path, block, outcome (comma separated), since
// (RFC 3339) and limit from the query string.
func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{Path: q.Get("path"), Limit: defaultListLimit}

	if v := q.Get("block"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return f, errors.NewValidation("block", "must be a block number")
		}
		b := uint32(n)
		f.Block = &b
	}
	if v := q.Get("outcome"); v != "" {
		for _, name := range strings.Split(v, ",") {
			o, err := heal.ParseOutcome(strings.TrimSpace(name))
			if err != nil {
				return f, err
			}
			f.Outcomes = append(f.Outcomes, o)
		}
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.NewValidation("since", "must be an RFC 3339 time")
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.NewValidation("limit", "must be a positive integer")
		}
		f.Limit = min(n, maxListLimit)
	}
	return f, nil
}

func meta(total int) *APIMeta {
	return &APIMeta{Total: total, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

func respond(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, APIResponse{Success: true, Data: data, Meta: meta(0)})
}

// respondList is respond with the number of items reported in the envelope.
func respondList(w http.ResponseWriter, data interface{}, total int) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data, Meta: meta(total)})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIResponse{Error: &APIError{Code: code, Message: message}, Meta: meta(0)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
