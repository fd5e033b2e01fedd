package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aegisapp/aegis/colors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultMaxAge is how long an entry may sit in the queue before a
	// drain rejects it as expired instead of replaying it.
	DefaultMaxAge = time.Hour

	// DefaultReplayDelay spaces out replayed items so a reconnect doesn't
	// hammer the server with the whole backlog at once.
	DefaultReplayDelay = 500 * time.Millisecond
)

// QueuedOperation is a deferred call plus the retry policy it was
// submitted with. Payloads are closures, so the queue is in-memory by
// design; the queue object is the only owner of its entries.
type QueuedOperation struct {
	ID         string
	Name       string
	Run        Operation
	Policy     Policy
	EnqueuedAt time.Time
	Attempts   int
}

// OfflineQueue buffers operations whose retries were exhausted while the
// device was offline, and replays them in enqueue order once a
// connectivity monitor reports the device back online.
type OfflineQueue struct {
	mu      sync.Mutex
	entries []*QueuedOperation

	MaxAge      time.Duration
	ReplayDelay time.Duration

	// OnReject is invoked for entries dropped without a successful
	// replay (expired, or terminally failed during drain). Never nil'd
	// silently: rejected work is always at least logged.
	OnReject func(op *QueuedOperation, appErr *AppError)

	monitor  *NetworkMonitor
	logg     *zap.SugaredLogger
	stopChan chan struct{}
	started  bool
	now      func() time.Time
}

func NewOfflineQueue(monitor *NetworkMonitor, logg *zap.SugaredLogger) *OfflineQueue {
	return &OfflineQueue{
		MaxAge:      DefaultMaxAge,
		ReplayDelay: DefaultReplayDelay,
		monitor:     monitor,
		logg:        logg,
		stopChan:    make(chan struct{}),
		now:         time.Now,
	}
}

// Add appends an operation to the tail of the queue.
func (q *OfflineQueue) Add(name string, op Operation, policy Policy) *QueuedOperation {
	entry := &QueuedOperation{
		ID:         uuid.NewString(),
		Name:       name,
		Run:        op,
		Policy:     policy,
		EnqueuedAt: q.now(),
	}

	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()

	q.logInfof("enqueued %q id=%v", name, entry.ID)
	return entry
}

func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Start launches the drain loop: it waits for offline->online transitions
// from the monitor and replays the backlog through exec.
func (q *OfflineQueue) Start(exec *Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	// Subscribe before returning so a transition right after Start is
	// never missed.
	go q.loop(exec, q.monitor.Subscribe())
}

func (q *OfflineQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.mu.Unlock()

	// Non-blocking: a drain that's mid-replay finishes its current pass
	// and the loop exits on the next check, without holding up the caller.
	select {
	case q.stopChan <- struct{}{}:
	default:
	}
}

func (q *OfflineQueue) running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.started
}

func (q *OfflineQueue) loop(exec *Executor, transitions <-chan bool) {
	q.logInfof("starting offline queue drain loop")
	for {
		select {
		case <-q.stopChan:
			q.logInfof("stopping offline queue drain loop")
			return
		case online := <-transitions:
			// The 1-slot subscription coalesces flaps, so the delivered
			// edge can be stale. The monitor's current state decides.
			if !online && !q.monitor.Online() {
				continue
			}
			q.Drain(context.Background(), exec)
			if !q.running() {
				q.logInfof("stopping offline queue drain loop")
				return
			}
		}
	}
}

// Drain replays queued entries one at a time, in enqueue order. Entries
// older than MaxAge are rejected as expired rather than replayed. A
// retryable failure leaves the entry at the head and stops the drain
// (connectivity likely dropped again); the next transition picks it up.
func (q *OfflineQueue) Drain(ctx context.Context, exec *Executor) {
	for {
		entry, ok := q.peek()
		if !ok {
			return
		}

		if age := q.now().Sub(entry.EnqueuedAt); age > q.MaxAge {
			q.remove(entry.ID)
			appErr := &AppError{
				Kind:    KindInternal,
				Code:    "operation_expired",
				Title:   "Expired",
				Message: fmt.Sprintf("Queued operation %q expired after %v and was not replayed.", entry.Name, age.Round(time.Second)),
				Actions: []string{"Repeat the original action"},
			}
			q.reject(entry, appErr)
			continue
		}

		if !q.monitor.Online() {
			q.logInfof("device offline again, pausing drain with %v item(s) left", q.Len())
			return
		}

		entry.Attempts++
		err := exec.execute(ctx, entry.Name, entry.Run, entry.Policy, false)
		switch {
		case err == nil:
			q.remove(entry.ID)
			q.logInfof("replayed %q id=%v on attempt %v", entry.Name, entry.ID, entry.Attempts)
		default:
			appErr := Classify(err)
			if appErr.Retryable() {
				// stays queued for the next connectivity transition
				q.logInfof("replay of %q id=%v failed (%v), keeping queued", entry.Name, entry.ID, appErr.Code)
				return
			}
			q.remove(entry.ID)
			q.reject(entry, appErr)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(q.ReplayDelay):
		}
	}
}

func (q *OfflineQueue) peek() (*QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil, false
	}
	return q.entries[0], true
}

func (q *OfflineQueue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, entry := range q.entries {
		if entry.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

func (q *OfflineQueue) reject(entry *QueuedOperation, appErr *AppError) {
	q.logErrorf("rejected %q id=%v: %v", entry.Name, entry.ID, appErr.Message)
	if q.OnReject != nil {
		q.OnReject(entry, appErr)
	}
}

func (q *OfflineQueue) logInfof(template string, args ...interface{}) {
	prefix := colors.Yellow("[offline queue] ")
	q.logg.Infof(prefix+template, args...)
}

func (q *OfflineQueue) logErrorf(template string, args ...interface{}) {
	prefix := colors.Red("[offline queue] ")
	q.logg.Errorf(prefix+template, args...)
}
