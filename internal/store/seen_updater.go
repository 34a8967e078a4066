package store

import (
	"context"
	"sync"
	"time"

	"ambassador/pkg/logging"
)

// seenUpdate is a fire-and-forget request to bump a client's last_used_at.
type seenUpdate struct {
	clientID string
	at       time.Time
}

// SeenUpdater batches TouchClientLastUsed calls through a small fixed pool
// of workers so the request-handling path never blocks on a write it
// doesn't need the result of (DESIGN.md Open Question 2: eventual
// consistency is acceptable for last_seen_at).
type SeenUpdater struct {
	store   *Store
	queue   chan seenUpdate
	wg      sync.WaitGroup
	closing chan struct{}
}

// NewSeenUpdater starts workers workers consuming from a buffered channel
// of size queueSize. Updates submitted after the queue fills are dropped
// rather than blocking the caller.
func NewSeenUpdater(store *Store, workers, queueSize int) *SeenUpdater {
	u := &SeenUpdater{
		store:   store,
		queue:   make(chan seenUpdate, queueSize),
		closing: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	return u
}

func (u *SeenUpdater) worker() {
	defer u.wg.Done()
	for {
		select {
		case req, ok := <-u.queue:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := u.store.TouchClientLastUsed(ctx, req.clientID, req.at); err != nil {
				logging.Warn("SeenUpdater", "failed to touch last_used_at for client %s: %v", req.clientID, err)
			}
			cancel()
		case <-u.closing:
			return
		}
	}
}

// Touch enqueues a last_used_at update. Non-blocking: if the queue is full
// the update is silently dropped, since another touch will arrive soon.
func (u *SeenUpdater) Touch(clientID string) {
	select {
	case u.queue <- seenUpdate{clientID: clientID, at: time.Now().UTC()}:
	default:
		logging.Debug("SeenUpdater", "queue full, dropping touch for client %s", clientID)
	}
}

// Shutdown stops accepting new work and waits for in-flight workers to
// drain, up to deadline.
func (u *SeenUpdater) Shutdown(deadline time.Duration) {
	close(u.closing)
	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		logging.Warn("SeenUpdater", "shutdown deadline exceeded, workers may still be running")
	}
}
