package sos

import (
	"context"
	"sync"
	"time"

	"github.com/aegisapp/aegis/colors"
	"github.com/aegisapp/aegis/server/location"
	"github.com/aegisapp/aegis/server/resilience"
	"go.uber.org/zap"
)

type State string

const (
	StateIdle      State = "idle"
	StateCountdown State = "countdown"
	StateActive    State = "active"
)

type SessionConfig struct {
	CountdownTicks int           // ticks before the pending alert fires
	TickInterval   time.Duration // countdown tick cadence
	SampleInterval time.Duration // location tracker interval while active
	AlarmInterval  time.Duration // audible alarm cadence; 0 disables it
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		CountdownTicks: 5,
		TickInterval:   time.Second,
		SampleInterval: 5 * time.Second,
		AlarmInterval:  2 * time.Second,
	}
}

func (cfg SessionConfig) withDefaults() SessionConfig {
	defaults := DefaultSessionConfig()
	if cfg.CountdownTicks <= 0 {
		cfg.CountdownTicks = defaults.CountdownTicks
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaults.SampleInterval
	}
	return cfg
}

// Session is the device-side SOS state machine: idle -> countdown ->
// active -> idle. It owns three timers (countdown, alarm cadence,
// location tracker); all of them are cancelled together by a single
// teardown whenever the session returns to idle.
type Session struct {
	mu         sync.Mutex
	state      State
	userID     uint
	eventID    uint
	remaining  int
	pendingLat float64
	pendingLng float64

	cfg     SessionConfig
	service *Service
	tracker *location.Tracker
	logg    *zap.SugaredLogger

	countdownStop chan struct{}
	alarmStop     chan struct{}
	cancelRetries context.CancelFunc

	// Optional observers; all invoked outside the session lock.
	OnStateChange   func(State)
	OnCountdownTick func(remaining int)
	OnAlarm         func()
	OnActivated     func(*ActivationResult, error)
}

func NewSession(userID uint, service *Service, tracker *location.Tracker, cfg SessionConfig, logg *zap.SugaredLogger) *Session {
	return &Session{
		state:   StateIdle,
		userID:  userID,
		cfg:     cfg.withDefaults(),
		service: service,
		tracker: tracker,
		logg:    logg,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) EventID() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventID
}

// Activate starts the countdown toward an SOS alert. It needs a usable
// location up front: the given coordinates, or a fallback from the
// tracker's chain when the sensor reading is unusable. With no location
// at all, the transition fails and the caller is warned, so the user can
// fix GPS and immediately try again.
func (s *Session) Activate(lat, lng float64) error {
	s.mu.Lock()

	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return resilience.NewConflictError("sos_in_progress",
			"An SOS is already "+string(state)+". Cancel it first.")
	}

	if appErr := validateSOSCoordinates(lat, lng); appErr != nil {
		fallback := s.tracker.Resolve(false)
		if fallback == nil {
			s.mu.Unlock()
			return resilience.NewValidationError("no_usable_location",
				"We couldn't get your location. The alert was not started. Check GPS and try again.")
		}
		s.logInfof("sensor reading unusable, activating with %v fallback", fallback.Source)
		lat, lng = fallback.Lat, fallback.Lng
	}

	s.pendingLat, s.pendingLng = lat, lng
	s.state = StateCountdown
	s.remaining = s.cfg.CountdownTicks
	s.countdownStop = make(chan struct{})
	go s.countdownLoop(s.countdownStop)

	if s.cfg.AlarmInterval > 0 {
		s.alarmStop = make(chan struct{})
		go s.alarmLoop(s.alarmStop)
	}

	s.mu.Unlock()

	s.logInfof("countdown started: %v tick(s) of %v", s.cfg.CountdownTicks, s.cfg.TickInterval)
	s.notifyState(StateCountdown)
	return nil
}

// Cancel returns the session to idle from either countdown or active.
// During countdown the result is nil; an expiry already mid-activation
// notices the teardown and stands its event down rather than going
// active. From active it runs the full cancellation protocol and
// reports its counts.
func (s *Session) Cancel(ctx context.Context) (*CancelResult, error) {
	s.mu.Lock()
	state := s.state
	eventID := s.eventID
	s.mu.Unlock()

	switch state {
	case StateIdle:
		return nil, resilience.NewConflictError("no_emergency", "No emergency is in progress.")

	case StateCountdown:
		s.teardown()
		s.logInfof("pending activation cancelled during countdown")
		s.notifyState(StateIdle)
		return nil, nil

	default: // StateActive
		s.teardown()
		result, err := s.service.Cancel(ctx, s.userID, eventID)
		s.notifyState(StateIdle)
		return result, err
	}
}

// ---------------------------------------------------------------------------------//
// Timer loops
// --------------------------------------------------------------------------------//

func (s *Session) countdownLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.state != StateCountdown {
				s.mu.Unlock()
				return
			}
			s.remaining--
			remaining := s.remaining
			s.mu.Unlock()

			if s.OnCountdownTick != nil {
				s.OnCountdownTick(remaining)
			}

			if remaining <= 0 {
				s.expire()
				return
			}
		}
	}
}

func (s *Session) alarmLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.AlarmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.OnAlarm != nil {
				s.OnAlarm()
			}
		}
	}
}

// expire fires the countdown->active transition: persist the event, hook
// movement notifications, start the tracker.
func (s *Session) expire() {
	s.mu.Lock()
	if s.state != StateCountdown {
		s.mu.Unlock()
		return
	}
	lat, lng := s.pendingLat, s.pendingLng
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRetries = cancel
	s.mu.Unlock()

	result, err := s.service.Activate(ctx, s.userID, lat, lng)
	if err != nil {
		s.logWarnf("activation failed after countdown: %v", err)
		s.teardown()
		s.notifyState(StateIdle)
		if s.OnActivated != nil {
			s.OnActivated(nil, err)
		}
		return
	}

	s.mu.Lock()
	if s.state != StateCountdown {
		// A cancel won the race while the activation was in flight. The
		// event row already exists, so stand it down instead of going
		// active behind the user's back.
		s.mu.Unlock()
		s.logInfof("cancelled while activating, standing down event=%v", result.EventID)
		if _, cancelErr := s.service.Cancel(context.Background(), s.userID, result.EventID); cancelErr != nil {
			s.logWarnf("stand-down of event=%v failed: %v", result.EventID, cancelErr)
		}
		return
	}
	s.state = StateActive
	s.eventID = result.EventID

	s.tracker.OnSample = func(eventID uint, sample *location.Sample) {
		event, err := s.service.findOwnedEvent(context.Background(), s.userID, eventID)
		if err != nil {
			return
		}
		s.service.NotifyMovement(context.Background(), event, sample.Lat, sample.Lng)
	}
	// Started under the lock so a Cancel that observes the active state
	// always stops a tracker that is already running.
	s.tracker.Start(result.EventID, s.cfg.SampleInterval)
	s.mu.Unlock()

	s.logInfof("event=%v active, %v/%v contact(s) alerted",
		result.EventID, result.ContactsNotified, result.TotalContacts)
	s.notifyState(StateActive)
	if s.OnActivated != nil {
		s.OnActivated(result, nil)
	}
}

// teardown is the single exit path back to idle: countdown timer, alarm
// cadence and location tracker are always cancelled together, and any
// in-flight retry sequence is cancelled best-effort without being
// awaited. No timer survives a state transition.
func (s *Session) teardown() {
	s.mu.Lock()
	countdownStop := s.countdownStop
	alarmStop := s.alarmStop
	cancelRetries := s.cancelRetries
	s.countdownStop = nil
	s.alarmStop = nil
	s.cancelRetries = nil
	s.state = StateIdle
	s.eventID = 0
	s.remaining = 0
	s.mu.Unlock()

	if countdownStop != nil {
		close(countdownStop)
	}
	if alarmStop != nil {
		close(alarmStop)
	}
	s.tracker.Stop()
	if cancelRetries != nil {
		cancelRetries()
	}
}

func (s *Session) notifyState(state State) {
	if s.OnStateChange != nil {
		s.OnStateChange(state)
	}
}

func (s *Session) logInfof(template string, args ...interface{}) {
	prefix := colors.Green("[sos session] ")
	s.logg.Infof(prefix+template, args...)
}

func (s *Session) logWarnf(template string, args ...interface{}) {
	prefix := colors.Yellow("[sos session] ")
	s.logg.Warnf(prefix+template, args...)
}
