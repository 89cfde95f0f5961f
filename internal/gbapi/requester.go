package gbapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gbmm/internal/config"
)

// Priority orders upstream requests. Higher priorities are always dispatched
// first; there is no starvation protection.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// MinRequestInterval is the floor between consecutive upstream dispatches.
const MinRequestInterval = 1100 * time.Millisecond

type pendingRequest struct {
	url  string
	done chan requestResult
}

type requestResult struct {
	env *Envelope
	err error
}

// Requester serializes all upstream traffic through a single worker under a
// global rate limit. Callers block until their response is parsed.
type Requester struct {
	log     *slog.Logger
	client  *http.Client
	limiter *rate.Limiter

	mu     sync.Mutex
	cond   *sync.Cond
	queues [3][]*pendingRequest
	closed bool
}

// NewRequester starts the worker goroutine. The client may be nil, in which
// case a default client with a 60 s timeout is used.
func NewRequester(log *slog.Logger, client *http.Client) *Requester {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	r := &Requester{
		log:     log.With("component", "requester"),
		client:  client,
		limiter: rate.NewLimiter(rate.Every(MinRequestInterval), 1),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.worker()
	return r
}

// Close stops the worker. Pending requests are failed.
func (r *Requester) Close() {
	r.mu.Lock()
	r.closed = true
	for i := range r.queues {
		for _, p := range r.queues[i] {
			p.done <- requestResult{err: fmt.Errorf("requester closed")}
		}
		r.queues[i] = nil
	}
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Request enqueues the URL at the given priority and blocks until the
// response envelope is available. Transport and parse errors are returned to
// the caller; the worker never retries.
func (r *Requester) Request(url string, priority Priority) (*Envelope, error) {
	p := &pendingRequest{url: url, done: make(chan requestResult, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("requester closed")
	}
	r.queues[priority] = append(r.queues[priority], p)
	r.mu.Unlock()
	r.cond.Signal()

	res := <-p.done
	return res.env, res.err
}

// pop removes the head of the highest non-empty priority queue.
func (r *Requester) pop() *pendingRequest {
	for i := len(r.queues) - 1; i >= 0; i-- {
		if len(r.queues[i]) > 0 {
			p := r.queues[i][0]
			r.queues[i] = r.queues[i][1:]
			return p
		}
	}
	return nil
}

func (r *Requester) worker() {
	r.log.Debug("requester worker started")
	for {
		r.mu.Lock()
		for !r.closed && r.pending() == 0 {
			r.cond.Wait()
		}
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		// The rate floor elapses before a request is chosen, so a
		// high-priority arrival during the wait is dispatched first.
		if err := r.limiter.Wait(context.Background()); err != nil {
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		p := r.pop()
		r.mu.Unlock()
		if p == nil {
			continue
		}

		start := time.Now()
		env, err := r.fetch(p.url)
		if err != nil {
			r.log.Warn("upstream request failed", "url", p.url, "error", err)
		} else {
			r.log.Debug("upstream request complete", "url", p.url, "elapsed", time.Since(start))
		}
		p.done <- requestResult{env: env, err: err}
	}
}

func (r *Requester) pending() int {
	n := 0
	for i := range r.queues {
		n += len(r.queues[i])
	}
	return n
}

func (r *Requester) fetch(url string) (*Envelope, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", config.UserAgent())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return parseEnvelope(body)
}
