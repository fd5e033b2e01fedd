// Package sos owns the emergency-alert lifecycle: the activation,
// location-update and cancellation protocol (Service) and the
// idle/countdown/active device-session state machine (Session). Every
// persistence call runs through the resilience executor.
package sos

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/aegisapp/aegis/server/location"
	"github.com/aegisapp/aegis/server/models"
	"github.com/aegisapp/aegis/server/notifier"
	"github.com/aegisapp/aegis/server/resilience"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ActivationResult struct {
	EventID            uint     `json:"event_id"`
	ContactsNotified   int      `json:"contacts_notified"`
	TotalContacts      int      `json:"total_contacts"`
	NotificationErrors []string `json:"notification_errors,omitempty"`
}

type UpdateResult struct {
	LocationID       uint `json:"location_id,omitempty"`
	Queued           bool `json:"queued,omitempty"`
	NotificationSent bool `json:"notification_sent"`
}

type CancelResult struct {
	AlreadyCancelled bool      `json:"already_cancelled,omitempty"`
	EndedAt          time.Time `json:"ended_at"`
	DurationSeconds  int64     `json:"duration_seconds"`
	ContactsNotified int       `json:"contacts_notified"`
	TotalContacts    int       `json:"total_contacts"`
}

// Service implements the activation/update/cancellation protocol shared
// by the HTTP routes and the Session state machine.
type Service struct {
	exec       *resilience.Executor
	dispatcher *notifier.Dispatcher
	logg       *zap.SugaredLogger
	now        func() time.Time
	findEvent  func(id interface{}) (*models.EmergencyEvent, error)
}

func NewService(exec *resilience.Executor, dispatcher *notifier.Dispatcher, logg *zap.SugaredLogger) *Service {
	return &Service{
		exec:       exec,
		dispatcher: dispatcher,
		logg:       logg,
		now:        time.Now,
		findEvent:  models.FindEmergencyEvent,
	}
}

// ValidateCoordinates enforces the shared coordinate rule: latitude in
// [-90, 90], longitude in [-180, 180], both finite.
func ValidateCoordinates(lat, lng float64) *resilience.AppError {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lng) || math.IsInf(lng, 0) {
		return resilience.NewValidationError("invalid_coordinates", "Coordinates must be finite numbers.")
	}
	if lat < -90 || lat > 90 {
		return resilience.NewValidationError("invalid_coordinates", "Latitude must be between -90 and 90.")
	}
	if lng < -180 || lng > 180 {
		return resilience.NewValidationError("invalid_coordinates", "Longitude must be between -180 and 180.")
	}

	return nil
}

func validateSOSCoordinates(lat, lng float64) *resilience.AppError {
	if appErr := ValidateCoordinates(lat, lng); appErr != nil {
		return appErr
	}
	// exactly (0,0) is a sensor-invalid reading, not a real position
	if lat == 0 && lng == 0 {
		return resilience.NewValidationError("invalid_coordinates", "Location reading looks invalid (0,0). Waiting for a real GPS fix.")
	}

	return nil
}

// Activate creates an active EmergencyEvent for the user, persists the
// initial location sample best-effort and runs one notification round.
// Notification failures never fail the activation itself.
func (s *Service) Activate(ctx context.Context, userID uint, lat, lng float64) (*ActivationResult, error) {
	if appErr := validateSOSCoordinates(lat, lng); appErr != nil {
		return nil, appErr
	}

	user, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	startedAt := s.now()
	var event *models.EmergencyEvent
	err = s.exec.Execute(ctx, "create emergency event", func(ctx context.Context) error {
		created, err := models.CreateEmergencyEvent(userID, lat, lng, startedAt)
		if errors.Is(err, models.ErrActiveEventExists) {
			return resilience.NewConflictError("active_event_exists",
				"An SOS is already active for this account. Cancel it before starting a new one.")
		}
		if err != nil {
			return err
		}

		event = created
		return nil
	}, resilience.DefaultPolicy())

	if errors.Is(err, resilience.ErrQueued) {
		return nil, resilience.NewTransientError(err)
	}
	if err != nil {
		return nil, resilience.Classify(err)
	}

	// Initial sample is best-effort: a persistence hiccup here must not
	// abort an activation that already has an event row.
	sampleErr := s.exec.Execute(ctx, "persist initial location sample", func(ctx context.Context) error {
		return models.CreateLocationSample(&models.LocationSample{
			EventID:   event.ID,
			Lat:       lat,
			Lng:       lng,
			Source:    string(location.SourceLiveHigh),
			SampledAt: startedAt,
		})
	}, resilience.DefaultPolicy())
	if sampleErr != nil && !errors.Is(sampleErr, resilience.ErrQueued) {
		s.logg.Warnf("initial location sample for event=%v not persisted: %v", event.ID, sampleErr)
	}

	contacts := s.contactsFor(ctx, userID)
	round := s.dispatcher.Notify(event, contacts, notifier.ActivationMessage(user.FirstName, lat, lng))

	s.logg.Infof("emergency event=%v activated for user=%v at (%v, %v)", event.ID, userID, lat, lng)

	return &ActivationResult{
		EventID:            event.ID,
		ContactsNotified:   round.Sent,
		TotalContacts:      round.Total,
		NotificationErrors: round.FailureReasons(),
	}, nil
}

// RecordLocation appends a sample to an active event and runs a
// rate-limited notification round.
func (s *Service) RecordLocation(ctx context.Context, userID, eventID uint, lat, lng, accuracy float64) (*UpdateResult, error) {
	if appErr := validateSOSCoordinates(lat, lng); appErr != nil {
		return nil, appErr
	}

	event, err := s.findOwnedEvent(ctx, userID, eventID)
	if err != nil {
		return nil, err
	}

	if !event.Active {
		return nil, resilience.NewConflictError("event_not_active",
			"This emergency event has already been cancelled.")
	}

	result := UpdateResult{}
	sample := &models.LocationSample{
		EventID:   event.ID,
		Lat:       lat,
		Lng:       lng,
		Accuracy:  accuracy,
		Source:    string(location.SourceLiveHigh),
		SampledAt: s.now(),
	}

	err = s.exec.Execute(ctx, "persist location sample", func(ctx context.Context) error {
		return models.CreateLocationSample(sample)
	}, resilience.DefaultPolicy())

	switch {
	case errors.Is(err, resilience.ErrQueued):
		result.Queued = true
	case err != nil:
		return nil, resilience.Classify(err)
	default:
		result.LocationID = sample.ID
	}

	result.NotificationSent = s.NotifyMovement(ctx, event, lat, lng)

	return &result, nil
}

// NotifyMovement runs a throttled update round for an active event.
// Returns whether a round was actually sent.
func (s *Service) NotifyMovement(ctx context.Context, event *models.EmergencyEvent, lat, lng float64) bool {
	user, err := s.findUser(ctx, event.UserID)
	if err != nil {
		s.logg.Warnf("skipping update notification for event=%v: %v", event.ID, err)
		return false
	}

	contacts := s.contactsFor(ctx, event.UserID)
	_, sent := s.dispatcher.NotifyThrottled(event, contacts, notifier.UpdateMessage(user.FirstName, lat, lng))
	return sent
}

// Cancel ends an active event: conditional deactivate, one stand-down
// notification round, aggregate counts back to the caller. Cancelling an
// already-inactive event reports AlreadyCancelled rather than erroring.
func (s *Service) Cancel(ctx context.Context, userID, eventID uint) (*CancelResult, error) {
	event, err := s.findOwnedEvent(ctx, userID, eventID)
	if err != nil {
		return nil, err
	}

	if !event.Active {
		return s.alreadyCancelledResult(event), nil
	}

	endedAt := s.now()
	deactivated := false
	err = s.exec.Execute(ctx, "deactivate emergency event", func(ctx context.Context) error {
		ok, err := event.Deactivate(endedAt)
		if err != nil {
			return err
		}
		deactivated = ok
		return nil
	}, resilience.DefaultPolicy())

	if errors.Is(err, resilience.ErrQueued) {
		return nil, resilience.NewTransientError(err)
	}
	if err != nil {
		return nil, resilience.Classify(err)
	}

	if !deactivated {
		// lost the race to another cancellation; that is fine
		return s.alreadyCancelledResult(event), nil
	}

	userName := "your person"
	if user, err := s.findUser(ctx, userID); err == nil {
		userName = user.FirstName
	}

	contacts := s.contactsFor(ctx, userID)
	round := s.dispatcher.Notify(event, contacts, notifier.StandDownMessage(userName))

	s.logg.Infof("emergency event=%v cancelled after %v", event.ID, endedAt.Sub(event.StartedAt).Round(time.Second))

	return &CancelResult{
		EndedAt:          endedAt,
		DurationSeconds:  durationSeconds(event.StartedAt, endedAt),
		ContactsNotified: round.Sent,
		TotalContacts:    round.Total,
	}, nil
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

// findOwnedEvent loads the event through the executor so a flaky read is
// retried rather than misreported. Only a genuinely missing row (or an
// ownership mismatch, which reads the same so event ids can't be probed)
// surfaces as not-found.
func (s *Service) findOwnedEvent(ctx context.Context, userID, eventID uint) (*models.EmergencyEvent, error) {
	var event *models.EmergencyEvent
	err := s.exec.ExecuteRead(ctx, "find emergency event", func(ctx context.Context) error {
		found, err := s.findEvent(eventID)
		if err != nil {
			return err
		}
		event = found
		return nil
	}, resilience.DefaultPolicy())

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, resilience.NewNotFoundError("emergency event")
	}
	if err != nil {
		return nil, resilience.Classify(err)
	}

	if event.UserID != userID {
		return nil, resilience.NewNotFoundError("emergency event")
	}

	return event, nil
}

func (s *Service) findUser(ctx context.Context, userID uint) (*models.User, error) {
	var user *models.User
	err := s.exec.ExecuteRead(ctx, "find user", func(ctx context.Context) error {
		found, err := models.FindUserBy("id", userID)
		if err != nil {
			return err
		}
		user = found
		return nil
	}, resilience.DefaultPolicy())
	if err != nil {
		return nil, resilience.Classify(err)
	}

	return user, nil
}

func (s *Service) alreadyCancelledResult(event *models.EmergencyEvent) *CancelResult {
	result := CancelResult{AlreadyCancelled: true}
	if event.EndedAt != nil {
		result.EndedAt = *event.EndedAt
		result.DurationSeconds = durationSeconds(event.StartedAt, *event.EndedAt)
	}

	return &result
}

func (s *Service) contactsFor(ctx context.Context, userID uint) []models.Contact {
	var contacts []models.Contact
	err := s.exec.ExecuteRead(ctx, "load emergency contacts", func(ctx context.Context) error {
		found, err := models.ContactsForUser(userID)
		if err != nil {
			return err
		}
		contacts = found
		return nil
	}, resilience.DefaultPolicy())
	if err != nil {
		s.logg.Warnf("could not load contacts for user=%v: %v", userID, err)
		return nil
	}

	return contacts
}

func durationSeconds(from, to time.Time) int64 {
	seconds := int64(to.Sub(from).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	return seconds
}
