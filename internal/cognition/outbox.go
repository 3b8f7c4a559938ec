// Package cognition forwards planning observations to the cognition service:
// thought acknowledgements and task reviews. Delivery is best-effort and
// batched; the planning loop never blocks on the cognition service.
package cognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"steve/internal/async"
	"steve/internal/logging"
)

const (
	outboxDepth     = 128
	flushInterval   = 5 * time.Second
	requestTimeout  = 10 * time.Second
	maxBatchPerPost = 50
)

type message struct {
	kind    string // "thought_ack" | "task_review"
	payload map[string]any
}

// Outbox is the bounded, periodically flushed queue toward the cognition
// service.
type Outbox struct {
	baseURL string
	http    *http.Client
	logger  logging.Logger

	queue    chan message
	stopOnce sync.Once
	done     chan struct{}
	flushed  sync.WaitGroup
}

// NewOutbox creates an unstarted outbox.
func NewOutbox(baseURL string, logger logging.Logger) *Outbox {
	return &Outbox{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logging.OrNop(logger),
		queue:   make(chan message, outboxDepth),
		done:    make(chan struct{}),
	}
}

// Start launches the flush loop.
func (o *Outbox) Start() {
	o.flushed.Add(1)
	async.Go(o.logger, "cognition-outbox", func() {
		defer o.flushed.Done()
		o.run()
	})
}

// Stop flushes and terminates the loop.
func (o *Outbox) Stop() {
	o.stopOnce.Do(func() { close(o.done) })
	o.flushed.Wait()
}

// AckThought books a thought acknowledgement for the next flush. Thought acks
// are merged into one request per flush.
func (o *Outbox) AckThought(thoughtID string, taskID string) {
	o.enqueue(message{kind: "thought_ack", payload: map[string]any{
		"thoughtId": thoughtID,
		"taskId":    taskID,
	}})
}

// ReviewTask books a task-outcome review for the next flush.
func (o *Outbox) ReviewTask(taskID string, status string, failReason string) {
	o.enqueue(message{kind: "task_review", payload: map[string]any{
		"taskId":     taskID,
		"status":     status,
		"failReason": failReason,
	}})
}

func (o *Outbox) enqueue(msg message) {
	select {
	case o.queue <- msg:
	case <-o.done:
	default:
		o.logger.Warn("cognition outbox full; dropping %s", msg.kind)
	}
}

func (o *Outbox) run() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.flush()
		case <-o.done:
			o.flush()
			return
		}
	}
}

// flush drains the queue and delivers at most one thought-ack request plus
// one review request per kind batch.
func (o *Outbox) flush() {
	var acks, reviews []map[string]any
	for len(acks)+len(reviews) < maxBatchPerPost {
		select {
		case msg := <-o.queue:
			switch msg.kind {
			case "thought_ack":
				acks = append(acks, msg.payload)
			case "task_review":
				reviews = append(reviews, msg.payload)
			}
		default:
			goto drained
		}
	}
drained:
	if len(acks) > 0 {
		o.post("/thoughts/ack", map[string]any{"acks": acks})
	}
	if len(reviews) > 0 {
		o.post("/task-reviews", map[string]any{"reviews": reviews})
	}
}

func (o *Outbox) post(path string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("cognition payload: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		o.logger.Warn("cognition request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		o.logger.Warn("cognition POST %s: %v", path, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		o.logger.Warn("cognition POST %s: %v", path, fmt.Errorf("status %d", resp.StatusCode))
	}
}
