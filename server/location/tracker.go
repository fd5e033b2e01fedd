package location

import (
	"errors"
	"sync"
	"time"

	"github.com/aegisapp/aegis/colors"
	"github.com/aegisapp/aegis/server/resilience"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	// Staleness ceilings for the cached/persisted fallback tier. The
	// in-memory tier has no ceiling while an emergency is active.
	CachedMaxAgeEmergency = 6 * time.Hour
	CachedMaxAgeIdle      = 24 * time.Hour

	DefaultSampleInterval = 5 * time.Second

	lastSampleCacheKey = "last_sample"
)

// PersistFunc submits an accepted sample for durable storage. Wired to a
// retry-executor-wrapped models call; it may return resilience.ErrQueued,
// which still counts as accepted.
type PersistFunc func(eventID uint, sample *Sample) error

// Tracker drives periodic sampling for one active emergency at a time.
type Tracker struct {
	provider Provider
	persist  PersistFunc
	logg     *zap.SugaredLogger

	// OnSample fires after a sample has been accepted and submitted.
	// The SOS layer hooks its throttled notification round here.
	OnSample func(eventID uint, sample *Sample)

	cache *gocache.Cache

	mu       sync.Mutex
	last     *Sample
	running  bool
	eventID  uint
	stopChan chan struct{}
}

func NewTracker(provider Provider, persist PersistFunc, logg *zap.SugaredLogger) *Tracker {
	return &Tracker{
		provider: provider,
		persist:  persist,
		logg:     logg,
		cache:    gocache.New(CachedMaxAgeIdle, 10*time.Minute),
		stopChan: make(chan struct{}),
	}
}

// Start begins the sampling loop for the event. One loop at a time; a
// second Start while running is a no-op.
func (t *Tracker) Start(eventID uint, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.eventID = eventID
	t.mu.Unlock()

	go t.loop(eventID, interval)
}

// Stop halts sampling immediately. Safe to call when not running.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	// Non-blocking: a tick that's mid-persist finishes on its own and the
	// loop exits on the next pass, without holding up the caller.
	select {
	case t.stopChan <- struct{}{}:
	default:
	}
}

func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Tracker) loop(eventID uint, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logInfof("starting location tracking for event=%v every %v", eventID, interval)
	for {
		select {
		case <-t.stopChan:
			t.logInfof("stopping location tracking for event=%v", eventID)
			return
		case <-ticker.C:
			if !t.Running() {
				return
			}
			// One sample at a time: the persistence outcome (success,
			// terminal failure or enqueue) resolves before the next
			// tick's work, preserving submission order.
			t.sampleOnce(eventID)
		}
	}
}

func (t *Tracker) sampleOnce(eventID uint) {
	sample := t.Resolve(true)
	if sample == nil {
		t.logWarnf("no usable location for event=%v, skipping sample", eventID)
		return
	}

	t.logInfof("sample for event=%v source=%v signal=%v",
		eventID, sample.Source, SignalQuality(sample.Accuracy))

	err := t.persist(eventID, sample)
	if err != nil && !errors.Is(err, resilience.ErrQueued) {
		t.logWarnf("failed to submit sample for event=%v: %v", eventID, err)
		return
	}

	t.remember(sample)

	if t.OnSample != nil {
		t.OnSample(eventID, sample)
	}
}

// Resolve walks the fallback chain: live high-accuracy, live
// low-accuracy, last in-memory sample, last cached sample. Returns nil
// when every tier abstains.
func (t *Tracker) Resolve(inEmergency bool) *Sample {
	if sample, err := t.provider.HighAccuracy(); err == nil && sample != nil {
		sample.Source = SourceLiveHigh
		if sample.SampledAt.IsZero() {
			sample.SampledAt = time.Now()
		}
		return sample
	} else if err != nil {
		t.logWarnf("high-accuracy request failed: %v", err)
	}

	if sample, err := t.provider.LowAccuracy(); err == nil && sample != nil {
		sample.Source = SourceLiveLow
		if sample.SampledAt.IsZero() {
			sample.SampledAt = time.Now()
		}
		return sample
	} else if err != nil {
		t.logWarnf("low-accuracy request failed: %v", err)
	}

	return t.LastKnown(inEmergency)
}

// LastKnown returns the freshest fallback sample: in-memory first (no
// staleness ceiling during an emergency), then the cached tier bounded by
// the 6h/24h ceilings.
func (t *Tracker) LastKnown(inEmergency bool) *Sample {
	t.mu.Lock()
	last := t.last
	t.mu.Unlock()

	if last != nil {
		if inEmergency || time.Since(last.SampledAt) <= CachedMaxAgeIdle {
			fallback := *last
			fallback.Source = SourceMemory
			return &fallback
		}
	}

	ceiling := CachedMaxAgeIdle
	if inEmergency {
		ceiling = CachedMaxAgeEmergency
	}

	if cached, ok := t.cache.Get(lastSampleCacheKey); ok {
		sample := cached.(Sample)
		if time.Since(sample.SampledAt) <= ceiling {
			fallback := sample
			fallback.Source = SourceCached
			return &fallback
		}
		t.logWarnf("cached sample is older than %v, abstaining", ceiling)
	}

	return nil
}

// Seed primes the fallback cache, e.g. from the newest persisted sample
// at startup.
func (t *Tracker) Seed(sample *Sample) {
	if sample == nil {
		return
	}
	t.cache.Set(lastSampleCacheKey, *sample, gocache.DefaultExpiration)
}

func (t *Tracker) remember(sample *Sample) {
	t.mu.Lock()
	t.last = sample
	t.mu.Unlock()

	t.cache.Set(lastSampleCacheKey, *sample, gocache.DefaultExpiration)
}

func (t *Tracker) logInfof(template string, args ...interface{}) {
	prefix := colors.Cyan("[location tracker] ")
	t.logg.Infof(prefix+template, args...)
}

func (t *Tracker) logWarnf(template string, args ...interface{}) {
	prefix := colors.Yellow("[location tracker] ")
	t.logg.Warnf(prefix+template, args...)
}
