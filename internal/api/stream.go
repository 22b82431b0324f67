package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/eventbus"
)

const (
	streamBuffer = 256
	writeWait    = 5 * time.Second
	pingEvery    = 25 * time.Second
)

func badQuery(key, value string) error {
	return fmt.Errorf("%w: invalid %s %q", errBadRequest, key, value)
}

// GET /events streams bus messages as server-sent events. A Last-Event-ID
// header resumes after that sequence number from the retained backlog.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var last uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid Last-Event-ID")
			return
		}
		last = n
	}

	// Subscribe before reading the backlog so nothing published in between is missed.
	ch, cancel := s.bus.Subscribe(streamBuffer)
	defer cancel()

	// The server write timeout would cut the stream off.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, msg := range s.bus.Since(last) {
		if err := writeSSE(w, msg); err != nil {
			return
		}
		last = msg.Seq
	}
	flusher.Flush()

	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Seq <= last {
				continue
			}
			if err := writeSSE(w, msg); err != nil {
				return
			}
			last = msg.Seq
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, msg eventbus.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.Seq, msg.Type, data)
	return err
}

// wsHandler replays the retained backlog and then streams bus messages as JSON frames.
type wsHandler struct {
	bus          *eventbus.Bus
	allowOrigins []string
	upgrader     websocket.Upgrader
	pingEvery    time.Duration
}

func newWSHandler(bus *eventbus.Bus, allowOrigins []string) *wsHandler {
	h := &wsHandler{bus: bus, allowOrigins: allowOrigins, pingEvery: pingEvery}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := h.bus.Subscribe(streamBuffer)
	defer cancel()

	var last uint64
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	for _, msg := range h.bus.Snapshot() {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
		last = msg.Seq
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Idle connections still get a ping every pingEvery.
	ping := time.NewTicker(h.pingEvery)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Seq <= last {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			last = msg.Seq
		}
	}
}

func (h *wsHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
