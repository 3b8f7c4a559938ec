// Package dashboard pushes task updates and the cognitive stream to the web
// dashboard. Everything here is fire-and-forget; a dead dashboard never
// slows the planning loop.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"steve/internal/async"
	"steve/internal/events"
	"steve/internal/logging"
)

const (
	postTimeout      = 5 * time.Second
	reconnectBackoff = 10 * time.Second
	streamQueueDepth = 64
)

// Sink delivers planning state to the dashboard: task updates over HTTP and
// lifecycle events over the cognitive-stream websocket.
type Sink struct {
	baseURL string
	http    *http.Client
	logger  logging.Logger

	stream   chan events.Event
	stopOnce sync.Once
	done     chan struct{}
	closed   sync.WaitGroup
}

// NewSink creates an unstarted sink.
func NewSink(baseURL string, logger logging.Logger) *Sink {
	return &Sink{
		baseURL: baseURL,
		http:    &http.Client{Timeout: postTimeout},
		logger:  logging.OrNop(logger),
		stream:  make(chan events.Event, streamQueueDepth),
		done:    make(chan struct{}),
	}
}

// Start launches the websocket stream pump.
func (s *Sink) Start() {
	s.closed.Add(1)
	async.Go(s.logger, "dashboard-stream", func() {
		defer s.closed.Done()
		s.pump()
	})
}

// Stop terminates the stream pump.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.closed.Wait()
}

// PushTaskUpdate posts one task state change. Errors are logged and dropped.
func (s *Sink) PushTaskUpdate(taskID string, status string, progress float64) {
	payload, err := json.Marshal(map[string]any{
		"taskId":   taskID,
		"status":   status,
		"progress": progress,
	})
	if err != nil {
		return
	}
	async.Go(s.logger, "dashboard-task-update", func() {
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/task-update", bytes.NewReader(payload))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.http.Do(req)
		if err != nil {
			s.logger.Debug("dashboard task update: %v", err)
			return
		}
		_ = resp.Body.Close()
	})
}

// Emit implements task.Emitter: lifecycle events feed the cognitive stream.
// Saturation drops, never blocks.
func (s *Sink) Emit(evt events.Event) {
	select {
	case s.stream <- evt:
	case <-s.done:
	default:
	}
}

// pump keeps one websocket to the dashboard's cognitive stream, reconnecting
// with a flat backoff.
func (s *Sink) pump() {
	wsURL := s.websocketURL()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			s.logger.Debug("dashboard stream dial: %v", err)
			select {
			case <-time.After(reconnectBackoff):
				continue
			case <-s.done:
				return
			}
		}
		s.logger.Info("dashboard cognitive stream connected")
		s.writeLoop(conn)
		_ = conn.Close()
	}
}

func (s *Sink) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case evt := <-s.stream:
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("dashboard stream write: %v", err)
				return
			}
		case <-s.done:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Sink) websocketURL() string {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return s.baseURL + "/ws/cognitive-stream"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/cognitive-stream"
	return u.String()
}
