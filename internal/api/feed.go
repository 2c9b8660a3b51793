package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FocuswithJustin/PageHealer/core/heal"
	"github.com/FocuswithJustin/PageHealer/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// Subscribers only send control frames.
	maxMessageSize = 512
	// sendQueue is how many updates a subscriber may fall behind before it
	// is dropped.
	sendQueue = 64
)

// Update is one frame of the live repair feed.
type Update struct {
	Type   string      `json:"type"`
	Sent   time.Time   `json:"sent"`
	Report heal.Report `json:"report"`
}

// FeedFilter narrows the reports a subscriber receives. Zero values match
// everything.
type FeedFilter struct {
	Path     string
	Outcomes []heal.Outcome
}

func (f FeedFilter) match(r heal.Report) bool {
	if f.Path != "" && f.Path != r.Path {
		return false
	}
	if len(f.Outcomes) == 0 {
		return true
	}
	for _, o := range f.Outcomes {
		if o == r.Outcome {
			return true
		}
	}
	return false
}

type subscriber struct {
	conn   *websocket.Conn
	filter FeedFilter
	out    chan []byte
}

// Feed fans finished repairs out to WebSocket subscribers. It is a
// heal.Recorder: pass it to the healer with heal.WithRecorder.
type Feed struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	closed  bool
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewFeed creates an open feed with no subscribers.
func NewFeed() *Feed {
	return &Feed{subs: make(map[*subscriber]struct{})}
}

// Subscribers returns the number of connected subscribers.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// FeedStats are cumulative feed counters.
type FeedStats struct {
	Subscribers int    `json:"subscribers"`
	Sent        uint64 `json:"updates_sent"`
	Dropped     uint64 `json:"subscribers_dropped"`
}

func (f *Feed) Stats() FeedStats {
	return FeedStats{Subscribers: f.Subscribers(), Sent: f.sent.Load(), Dropped: f.dropped.Load()}
}

// Record sends r to every subscriber whose filter matches. It never blocks;
// a subscriber whose queue is full is disconnected.
func (f *Feed) Record(_ context.Context, r heal.Report) error {
	data, err := json.Marshal(Update{Type: "repair", Sent: time.Now().UTC(), Report: r})
	if err != nil {
		return fmt.Errorf("encode repair update: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("repair feed is closed")
	}
	for s := range f.subs {
		if !s.filter.match(r) {
			continue
		}
		select {
		case s.out <- data:
			f.sent.Add(1)
		default:
			f.dropLocked(s)
			f.dropped.Add(1)
			logging.WebSocketEvent("subscriber_dropped", len(f.subs), "reason", "queue full")
		}
	}
	return nil
}

// Run keeps the feed open until ctx is done, then disconnects everyone.
func (f *Feed) Run(ctx context.Context) {
	<-ctx.Done()
	f.Close()
}

// Close disconnects every subscriber. Later Record calls fail.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for s := range f.subs {
		f.dropLocked(s)
	}
}

func (f *Feed) add(s *subscriber) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.subs[s] = struct{}{}
	logging.WebSocketEvent("client_connected", len(f.subs), "path", s.filter.Path)
	return true
}

func (f *Feed) remove(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s]; ok {
		f.dropLocked(s)
		logging.WebSocketEvent("client_disconnected", len(f.subs))
	}
}

// dropLocked closes the subscriber's queue, which makes its writer send a
// close frame and hang up.
func (f *Feed) dropLocked(s *subscriber) {
	delete(f.subs, s)
	close(s.out)
}

// readLoop consumes control frames until the peer goes away.
func (f *Feed) readLoop(s *subscriber) {
	defer func() {
		f.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("repair feed subscriber left", "error", err)
			}
			return
		}
	}
}

// writeLoop sends queued updates, one JSON document per frame, and pings
// the peer while idle.
func (f *Feed) writeLoop(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// parseFeedFilter reads the optional path and outcome (comma separated)
// query parameters.
func parseFeedFilter(r *http.Request) (FeedFilter, error) {
	q := r.URL.Query()
	f := FeedFilter{Path: q.Get("path")}
	if v := q.Get("outcome"); v != "" {
		for _, name := range strings.Split(v, ",") {
			o, err := heal.ParseOutcome(strings.TrimSpace(name))
			if err != nil {
				return f, err
			}
			f.Outcomes = append(f.Outcomes, o)
		}
	}
	return f, nil
}

// handleFeed upgrades the request and subscribes it to the repair feed.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFeedFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if !isOriginAllowed(origin, s.cfg.AllowedOrigins) {
				logging.FromContext(r.Context()).Warn("rejected websocket origin", "origin", origin)
				return false
			}
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		return
	}

	sub := &subscriber{conn: conn, filter: filter, out: make(chan []byte, sendQueue)}
	if !s.feed.add(sub) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	go s.feed.writeLoop(sub)
	go s.feed.readLoop(sub)
}
