package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func createEventTestUser(t *testing.T, phoneNumber, email string) *User {
	t.Helper()

	user := &User{
		FirstName:   "tony",
		LastName:    "stark",
		Email:       email,
		PhoneNumber: phoneNumber,
	}
	if err := CreateUser(user); err != nil {
		t.Fatalf("could not create test user: %v", err)
	}
	return user
}

func TestCreateEmergencyEventEnforcesSingleActiveEvent(t *testing.T) {
	InitializeTestDb()
	user := createEventTestUser(t, "12345678900", "stark@avengers.com")

	event, err := CreateEmergencyEvent(user.ID, 43.6532, -79.3832, time.Now())
	assert.Nil(t, err)
	assert.True(t, event.Active)

	_, err = CreateEmergencyEvent(user.ID, 44.0, -79.0, time.Now())
	assert.True(t, errors.Is(err, ErrActiveEventExists))
}

func TestCreateEmergencyEventAllowsNewEventAfterCancellation(t *testing.T) {
	InitializeTestDb()
	user := createEventTestUser(t, "12345678900", "stark@avengers.com")

	first, err := CreateEmergencyEvent(user.ID, 43.6532, -79.3832, time.Now())
	assert.Nil(t, err)

	deactivated, err := first.Deactivate(time.Now())
	assert.Nil(t, err)
	assert.True(t, deactivated)

	second, err := CreateEmergencyEvent(user.ID, 44.0, -79.0, time.Now())
	assert.Nil(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// Cancelled rows are history, never deleted
	kept, err := FindEmergencyEvent(first.ID)
	assert.Nil(t, err)
	assert.False(t, kept.Active)
	assert.NotNil(t, kept.EndedAt)
}

func TestActiveEventsAreIndependentAcrossUsers(t *testing.T) {
	InitializeTestDb()
	user1 := createEventTestUser(t, "12345678900", "stark@avengers.com")
	user2 := createEventTestUser(t, "22345678900", "web@avengers.com")

	_, err := CreateEmergencyEvent(user1.ID, 43.6532, -79.3832, time.Now())
	assert.Nil(t, err)

	_, err = CreateEmergencyEvent(user2.ID, 40.7128, -74.006, time.Now())
	assert.Nil(t, err, "one user's emergency must not block another's")
}

func TestDeactivateIsIdempotentAndRaceSafe(t *testing.T) {
	InitializeTestDb()
	user := createEventTestUser(t, "12345678900", "stark@avengers.com")

	event, err := CreateEmergencyEvent(user.ID, 43.6532, -79.3832, time.Now())
	assert.Nil(t, err)

	firstEnd := time.Now()
	deactivated, err := event.Deactivate(firstEnd)
	assert.Nil(t, err)
	assert.True(t, deactivated)

	// Second writer loses: the guarded UPDATE matches no rows
	deactivated, err = event.Deactivate(firstEnd.Add(time.Minute))
	assert.Nil(t, err)
	assert.False(t, deactivated)

	kept, err := FindEmergencyEvent(event.ID)
	assert.Nil(t, err)
	assert.Equal(t, firstEnd.Unix(), kept.EndedAt.Unix(), "the first cancellation's EndedAt sticks")
}

func TestLocationSamplesForEventAreOrderedBySampleTime(t *testing.T) {
	InitializeTestDb()
	user := createEventTestUser(t, "12345678900", "stark@avengers.com")

	event, err := CreateEmergencyEvent(user.ID, 43.6532, -79.3832, time.Now())
	assert.Nil(t, err)

	base := time.Now()
	for i, lat := range []float64{43.1, 43.3, 43.2} {
		err := CreateLocationSample(&LocationSample{
			EventID:   event.ID,
			Lat:       lat,
			Lng:       -79.3,
			SampledAt: base.Add(time.Duration(i) * time.Minute),
		})
		assert.Nil(t, err)
	}

	samples, err := SamplesForEvent(event.ID)
	assert.Nil(t, err)
	assert.Len(t, samples, 3)

	latest, err := LatestLocationSample(event.ID)
	assert.Nil(t, err)
	assert.Equal(t, 43.2, latest.Lat)
}

func TestLastNotificationAttemptAt(t *testing.T) {
	InitializeTestDb()
	user := createEventTestUser(t, "12345678900", "stark@avengers.com")

	event, err := CreateEmergencyEvent(user.ID, 43.6532, -79.3832, time.Now())
	assert.Nil(t, err)

	last, err := LastNotificationAttemptAt(event.ID)
	assert.Nil(t, err)
	assert.Nil(t, last, "no attempts recorded yet")

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	assert.Nil(t, CreateNotificationAttempt(&NotificationAttempt{
		EventID: event.ID, ContactID: 1, Outcome: NOTIFICATION_SENT, AttemptedAt: older,
	}))
	assert.Nil(t, CreateNotificationAttempt(&NotificationAttempt{
		EventID: event.ID, ContactID: 2, Outcome: NOTIFICATION_FAILED, AttemptedAt: newer,
	}))

	last, err = LastNotificationAttemptAt(event.ID)
	assert.Nil(t, err)
	assert.Equal(t, newer.Unix(), last.Unix())
}

func TestPruneNotificationAttempts(t *testing.T) {
	InitializeTestDb()
	user := createEventTestUser(t, "12345678900", "stark@avengers.com")

	event, err := CreateEmergencyEvent(user.ID, 43.6532, -79.3832, time.Now())
	assert.Nil(t, err)

	assert.Nil(t, CreateNotificationAttempt(&NotificationAttempt{
		EventID: event.ID, Outcome: NOTIFICATION_SENT, AttemptedAt: time.Now().Add(-48 * time.Hour),
	}))
	assert.Nil(t, CreateNotificationAttempt(&NotificationAttempt{
		EventID: event.ID, Outcome: NOTIFICATION_SENT, AttemptedAt: time.Now(),
	}))

	pruned, err := PruneNotificationAttempts(24 * time.Hour)
	assert.Nil(t, err)
	assert.Equal(t, int64(1), pruned)

	attempts, err := AttemptsForEvent(event.ID)
	assert.Nil(t, err)
	assert.Len(t, attempts, 1)
}
