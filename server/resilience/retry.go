package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// ErrQueued reports that an operation exhausted its retries while the
// device was offline and has been handed to the offline queue instead of
// failing outright.
var ErrQueued = errors.New("operation queued for replay when back online")

// Operation is a unit of work the executor can run, retry and replay.
type Operation func(ctx context.Context) error

// ConnectivityProbe reports whether the device currently looks online.
// Injected rather than read from ambient state so tests can flip it.
type ConnectivityProbe func() bool

type Policy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	Jitter         bool
	RetryPredicate func(*AppError) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = defaults.BackoffFactor
	}
	if p.RetryPredicate == nil {
		p.RetryPredicate = (*AppError).Retryable
	}
	return p
}

// Executor wraps operations with classify-retry-backoff semantics. Every
// persistence and network call in the emergency core goes through it.
type Executor struct {
	online ConnectivityProbe
	queue  *OfflineQueue
	logg   *zap.SugaredLogger
}

func NewExecutor(online ConnectivityProbe, queue *OfflineQueue, logg *zap.SugaredLogger) *Executor {
	return &Executor{online: online, queue: queue, logg: logg}
}

// Execute runs op, retrying retryable failures with exponential backoff
// until policy.MaxRetries is exhausted. When retries run out while the
// device is offline, the operation is enqueued for replay and ErrQueued
// is returned.
func (e *Executor) Execute(ctx context.Context, name string, op Operation, policy Policy) error {
	return e.execute(ctx, name, op, policy, true)
}

// ExecuteRead runs op with the same retry ladder but never hands it to
// the offline queue: a read that cannot complete has nothing worth
// replaying later, so exhaustion surfaces the classified error instead.
func (e *Executor) ExecuteRead(ctx context.Context, name string, op Operation, policy Policy) error {
	return e.execute(ctx, name, op, policy, false)
}

func (e *Executor) execute(ctx context.Context, name string, op Operation, policy Policy, allowEnqueue bool) error {
	policy = policy.withDefaults()

	var appErr *AppError
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			e.logg.Infow("operation succeeded", "op", name, "attempts", attempt+1)
			return nil
		}

		appErr = Classify(err)
		e.logg.Warnw("operation attempt failed",
			"op", name, "attempt", attempt+1, "code", appErr.Code, "kind", appErr.Kind.String())

		if !policy.RetryPredicate(appErr) {
			e.logg.Warnw("operation failed terminally", "op", name, "code", appErr.Code)
			return appErr
		}

		if attempt >= policy.MaxRetries {
			break
		}

		delay := BackoffDelay(policy, attempt)
		select {
		case <-ctx.Done():
			e.logg.Warnw("operation abandoned", "op", name, "reason", ctx.Err())
			return appErr
		case <-time.After(delay):
		}
	}

	if allowEnqueue && e.queue != nil && e.online != nil && !e.online() {
		e.queue.Add(name, op, policy)
		e.logg.Infow("operation handed to offline queue", "op", name, "code", appErr.Code)
		return ErrQueued
	}

	e.logg.Warnw("operation exhausted retries", "op", name, "code", appErr.Code)
	return appErr
}

// BackoffDelay computes min(base * factor^attempt, max), with an optional
// +/-25% jitter so parallel retriers don't stampede together.
func BackoffDelay(policy Policy, attempt int) time.Duration {
	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
		if delay >= float64(policy.MaxDelay) {
			break
		}
	}
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	if policy.Jitter {
		// jitter factor in [0.75, 1.25)
		delay *= 0.75 + rand.Float64()*0.5
	}

	return time.Duration(delay)
}
