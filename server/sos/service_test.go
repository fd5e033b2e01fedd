package sos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aegisapp/aegis/server/logger"
	"github.com/aegisapp/aegis/server/models"
	"github.com/aegisapp/aegis/server/notifier"
	"github.com/aegisapp/aegis/server/resilience"
	"github.com/stretchr/testify/assert"
)

// fakeSender stands in for the Twilio client.
type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]error
}

func (s *fakeSender) SendMessage(to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failFor[to]; ok {
		return err
	}
	s.sent = append(s.sent, body)
	return nil
}

func (s *fakeSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestService(sender notifier.Sender) *Service {
	logg := logger.NewNopLogger()
	monitor := resilience.NewNetworkMonitor(true)
	queue := resilience.NewOfflineQueue(monitor, logg)
	exec := resilience.NewExecutor(monitor.Online, queue, logg)
	dispatcher := notifier.NewDispatcher(sender, notifier.PersistedAttemptLog{}, logg, 2*time.Minute)

	return NewService(exec, dispatcher, logg)
}

func createTestUser(t *testing.T, contactNumbers ...string) *models.User {
	t.Helper()

	user := &models.User{
		FirstName:   "tony",
		LastName:    "stark",
		Email:       "stark@avengers.com",
		PhoneNumber: "12345678900",
	}
	if err := models.CreateUser(user); err != nil {
		t.Fatalf("could not create test user: %v", err)
	}

	for i, number := range contactNumbers {
		contact := &models.Contact{Name: "contact", PhoneNumber: number, Relationship: "friend"}
		if i == 0 {
			contact.Name = "pepper"
		}
		if err := user.AddContact(contact); err != nil {
			t.Fatalf("could not create test contact: %v", err)
		}
	}

	return user
}

func TestActivateRejectsInvalidCoordinatesBeforeAnyWrite(t *testing.T) {
	models.InitializeTestDb()
	service := newTestService(&fakeSender{})
	user := createTestUser(t, "22345678900")

	testCases := []struct {
		desc     string
		lat, lng float64
	}{
		{"latitude out of range", 91, 10},
		{"longitude out of range", 45, 181},
		{"null island reading", 0, 0},
	}

	for _, tcase := range testCases {
		t.Run(tcase.desc, func(t *testing.T) {
			_, err := service.Activate(context.Background(), user.ID, tcase.lat, tcase.lng)

			var appErr *resilience.AppError
			assert.True(t, errors.As(err, &appErr))
			assert.Equal(t, resilience.KindValidation, appErr.Kind)

			_, err = models.FindActiveEventForUser(user.ID)
			assert.NotNil(t, err, "validation failures must not create event rows")
		})
	}
}

func TestActivateCreatesEventAndNotifiesContacts(t *testing.T) {
	models.InitializeTestDb()
	sender := &fakeSender{}
	service := newTestService(sender)
	user := createTestUser(t, "22345678900", "32345678900")

	result, err := service.Activate(context.Background(), user.ID, 43.6532, -79.3832)

	assert.Nil(t, err)
	assert.Equal(t, 2, result.ContactsNotified)
	assert.Equal(t, 2, result.TotalContacts)
	assert.Empty(t, result.NotificationErrors)

	event, err := models.FindActiveEventForUser(user.ID)
	assert.Nil(t, err)
	assert.Equal(t, event.ID, result.EventID)
	assert.Equal(t, 43.6532, event.InitialLat)

	// Initial location sample lands with the activation
	sample, err := models.LatestLocationSample(event.ID)
	assert.Nil(t, err)
	assert.Equal(t, 43.6532, sample.Lat)
}

func TestActivateSucceedsEvenWhenAContactFails(t *testing.T) {
	models.InitializeTestDb()
	sender := &fakeSender{
		failFor: map[string]error{"+32345678900": errors.New("carrier rejected message")},
	}
	service := newTestService(sender)
	user := createTestUser(t, "22345678900", "32345678900")

	result, err := service.Activate(context.Background(), user.ID, 43.6532, -79.3832)

	assert.Nil(t, err, "notification trouble never fails the activation")
	assert.Equal(t, 1, result.ContactsNotified)
	assert.Equal(t, 2, result.TotalContacts)
	assert.Len(t, result.NotificationErrors, 1)
}

func TestActivateRejectsSecondActivationWithConflict(t *testing.T) {
	models.InitializeTestDb()
	service := newTestService(&fakeSender{})
	user := createTestUser(t, "22345678900")

	first, err := service.Activate(context.Background(), user.ID, 43.6532, -79.3832)
	assert.Nil(t, err)

	_, err = service.Activate(context.Background(), user.ID, 44.0, -79.0)

	var appErr *resilience.AppError
	assert.True(t, errors.As(err, &appErr))
	assert.Equal(t, resilience.KindConflict, appErr.Kind)
	assert.Equal(t, "active_event_exists", appErr.Code)

	// The original event is untouched
	event, err := models.FindActiveEventForUser(user.ID)
	assert.Nil(t, err)
	assert.Equal(t, first.EventID, event.ID)
}

func TestRecordLocationAppendsSampleAndThrottlesNotifications(t *testing.T) {
	models.InitializeTestDb()
	sender := &fakeSender{}
	service := newTestService(sender)
	user := createTestUser(t, "22345678900")

	activation, err := service.Activate(context.Background(), user.ID, 43.6532, -79.3832)
	assert.Nil(t, err)
	assert.Equal(t, 1, sender.sentCount())

	result, err := service.RecordLocation(context.Background(), user.ID, activation.EventID, 43.66, -79.39, 8)
	assert.Nil(t, err)
	assert.NotZero(t, result.LocationID)
	assert.False(t, result.Queued)
	assert.False(t, result.NotificationSent, "activation round is still inside the window")
	assert.Equal(t, 1, sender.sentCount())

	samples, err := models.SamplesForEvent(activation.EventID)
	assert.Nil(t, err)
	assert.Len(t, samples, 2, "initial sample plus the update")
	assert.Equal(t, 43.66, samples[1].Lat)
	assert.Equal(t, 8.0, samples[1].Accuracy)
}

func TestRecordLocationRejectsCancelledEvent(t *testing.T) {
	models.InitializeTestDb()
	service := newTestService(&fakeSender{})
	user := createTestUser(t, "22345678900")

	activation, err := service.Activate(context.Background(), user.ID, 43.6532, -79.3832)
	assert.Nil(t, err)

	_, err = service.Cancel(context.Background(), user.ID, activation.EventID)
	assert.Nil(t, err)

	_, err = service.RecordLocation(context.Background(), user.ID, activation.EventID, 43.66, -79.39, 8)

	var appErr *resilience.AppError
	assert.True(t, errors.As(err, &appErr))
	assert.Equal(t, resilience.KindConflict, appErr.Kind)
	assert.Equal(t, "event_not_active", appErr.Code)
}

func TestEventOwnershipReadsAsNotFound(t *testing.T) {
	models.InitializeTestDb()
	service := newTestService(&fakeSender{})
	owner := createTestUser(t, "22345678900")

	stranger := &models.User{
		FirstName:   "justin",
		LastName:    "hammer",
		Email:       "hammer@hammertech.com",
		PhoneNumber: "42345678900",
	}
	assert.Nil(t, models.CreateUser(stranger))

	activation, err := service.Activate(context.Background(), owner.ID, 43.6532, -79.3832)
	assert.Nil(t, err)

	_, err = service.RecordLocation(context.Background(), stranger.ID, activation.EventID, 43.66, -79.39, 8)

	var appErr *resilience.AppError
	assert.True(t, errors.As(err, &appErr))
	assert.Equal(t, resilience.KindNotFound, appErr.Kind, "ownership failures must not reveal that the event exists")
}

func TestCancelDeactivatesAndStandsContactsDown(t *testing.T) {
	models.InitializeTestDb()
	sender := &fakeSender{}
	service := newTestService(sender)
	user := createTestUser(t, "22345678900")

	activation, err := service.Activate(context.Background(), user.ID, 43.6532, -79.3832)
	assert.Nil(t, err)

	result, err := service.Cancel(context.Background(), user.ID, activation.EventID)
	assert.Nil(t, err)
	assert.False(t, result.AlreadyCancelled)
	assert.GreaterOrEqual(t, result.DurationSeconds, int64(0))
	assert.Equal(t, 1, result.ContactsNotified)
	assert.Equal(t, 2, sender.sentCount(), "activation round plus stand-down round")

	event, err := models.FindEmergencyEvent(activation.EventID)
	assert.Nil(t, err)
	assert.False(t, event.Active)
	assert.NotNil(t, event.EndedAt)
}

func TestCancelTwiceReportsAlreadyCancelled(t *testing.T) {
	models.InitializeTestDb()
	sender := &fakeSender{}
	service := newTestService(sender)
	user := createTestUser(t, "22345678900")

	activation, err := service.Activate(context.Background(), user.ID, 43.6532, -79.3832)
	assert.Nil(t, err)

	first, err := service.Cancel(context.Background(), user.ID, activation.EventID)
	assert.Nil(t, err)

	second, err := service.Cancel(context.Background(), user.ID, activation.EventID)
	assert.Nil(t, err, "repeat cancellation is not an error")
	assert.True(t, second.AlreadyCancelled)
	assert.Equal(t, first.DurationSeconds, second.DurationSeconds)
	assert.Equal(t, 2, sender.sentCount(), "no second stand-down round")
}

func TestCancelUnknownEventIsNotFound(t *testing.T) {
	models.InitializeTestDb()
	service := newTestService(&fakeSender{})
	user := createTestUser(t)

	_, err := service.Cancel(context.Background(), user.ID, 404)

	var appErr *resilience.AppError
	assert.True(t, errors.As(err, &appErr))
	assert.Equal(t, resilience.KindNotFound, appErr.Kind)
}

func TestEventReadAbsorbsTransientFlakes(t *testing.T) {
	models.InitializeTestDb()
	service := newTestService(&fakeSender{})
	user := createTestUser(t, "22345678900")

	activation, err := service.Activate(context.Background(), user.ID, 43.6532, -79.3832)
	assert.Nil(t, err)

	var mu sync.Mutex
	failures := 2
	realFind := service.findEvent
	service.findEvent = func(id interface{}) (*models.EmergencyEvent, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, errors.New("database is locked")
		}
		return realFind(id)
	}

	result, err := service.Cancel(context.Background(), user.ID, activation.EventID)
	assert.Nil(t, err, "a flaky read is retried, not surfaced")
	assert.False(t, result.AlreadyCancelled)
}

func TestTransientReadFailureIsNotMisreportedAsMissing(t *testing.T) {
	models.InitializeTestDb()
	service := newTestService(&fakeSender{})
	user := createTestUser(t, "22345678900")

	activation, err := service.Activate(context.Background(), user.ID, 43.6532, -79.3832)
	assert.Nil(t, err)

	service.findEvent = func(id interface{}) (*models.EmergencyEvent, error) {
		return nil, errors.New("database is locked")
	}

	_, err = service.Cancel(context.Background(), user.ID, activation.EventID)

	var appErr *resilience.AppError
	assert.True(t, errors.As(err, &appErr))
	assert.Equal(t, resilience.KindTransient, appErr.Kind,
		"a lock hiccup reads as retryable trouble, never as an absent event")

	// The event is untouched and a later cancel still succeeds
	service.findEvent = models.FindEmergencyEvent
	result, err := service.Cancel(context.Background(), user.ID, activation.EventID)
	assert.Nil(t, err)
	assert.False(t, result.AlreadyCancelled)
}

func TestValidateCoordinates(t *testing.T) {
	assert.Nil(t, ValidateCoordinates(43.6532, -79.3832))
	assert.Nil(t, ValidateCoordinates(-90, 180))
	assert.NotNil(t, ValidateCoordinates(90.1, 0))
	assert.NotNil(t, ValidateCoordinates(0, -180.1))

	// (0,0) passes the range check but fails the SOS sensor-validity check
	assert.Nil(t, ValidateCoordinates(0, 0))
	assert.NotNil(t, validateSOSCoordinates(0, 0))
}
