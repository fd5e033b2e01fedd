// Package notifier fans emergency alerts out to a user's trusted
// contacts. Sends are scatter/gather: every contact is attempted, one
// contact's failure never fails the round, and ongoing-update rounds are
// rate limited against persisted attempt history.
package notifier

import (
	"sync"
	"time"

	"github.com/aegisapp/aegis/colors"
	"github.com/aegisapp/aegis/server/models"
	"go.uber.org/zap"
)

// DefaultWindow is the minimum gap between notification rounds for one
// event. Activation & stand-down rounds bypass it.
const DefaultWindow = 2 * time.Minute

// Sender delivers one message to one phone number. Backed by Twilio in
// production; the carrier side is an external collaborator.
type Sender interface {
	SendMessage(to, body string) error
}

// AttemptLog records per-contact outcomes and answers the rate-limit
// query. Backed by the notification_attempts table so the window check
// survives process restarts.
type AttemptLog interface {
	Record(eventID, contactID uint, outcome, detail string, at time.Time) error
	LastAttemptAt(eventID uint) (*time.Time, error)
}

type ContactFailure struct {
	ContactID uint   `json:"contact_id"`
	Name      string `json:"name"`
	Reason    string `json:"reason"`
}

type Result struct {
	Sent     int              `json:"sent"`
	Total    int              `json:"total"`
	Failures []ContactFailure `json:"failures,omitempty"`
}

func (r Result) FailureReasons() []string {
	reasons := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		reasons = append(reasons, f.Name+": "+f.Reason)
	}
	return reasons
}

type Dispatcher struct {
	sender Sender
	log    AttemptLog
	logg   *zap.SugaredLogger
	window time.Duration
	now    func() time.Time
}

func NewDispatcher(sender Sender, log AttemptLog, logg *zap.SugaredLogger, window time.Duration) *Dispatcher {
	if window <= 0 {
		window = DefaultWindow
	}

	return &Dispatcher{
		sender: sender,
		log:    log,
		logg:   logg,
		window: window,
		now:    time.Now,
	}
}

// Notify sends body to every contact concurrently and collects settled
// outcomes. Always attempts all contacts; failures are gathered, never
// propagated as a whole-round failure.
func (d *Dispatcher) Notify(event *models.EmergencyEvent, contacts []models.Contact, body string) Result {
	result := Result{Total: len(contacts)}
	if len(contacts) == 0 {
		d.logWarnf("no contacts configured for event=%v, nobody to alert", event.ID)
		return result
	}

	type outcome struct {
		contact models.Contact
		err     error
	}

	outcomes := make(chan outcome, len(contacts))
	var wg sync.WaitGroup

	for _, contact := range contacts {
		wg.Add(1)
		go func(c models.Contact) {
			defer wg.Done()
			err := d.sender.SendMessage("+"+c.PhoneNumber, body)
			outcomes <- outcome{contact: c, err: err}
		}(contact)
	}

	wg.Wait()
	close(outcomes)

	at := d.now()
	for o := range outcomes {
		if o.err == nil {
			result.Sent++
			d.record(event.ID, o.contact.ID, models.NOTIFICATION_SENT, "", at)
			continue
		}

		result.Failures = append(result.Failures, ContactFailure{
			ContactID: o.contact.ID,
			Name:      o.contact.Name,
			Reason:    o.err.Error(),
		})
		d.record(event.ID, o.contact.ID, models.NOTIFICATION_FAILED, o.err.Error(), at)
	}

	d.logInfof("event=%v notified %v/%v contact(s), %v failure(s)",
		event.ID, result.Sent, result.Total, len(result.Failures))

	return result
}

// NotifyThrottled runs a Notify round only if no round for the event
// happened within the rate-limit window. Returns whether a round was
// actually sent.
func (d *Dispatcher) NotifyThrottled(event *models.EmergencyEvent, contacts []models.Contact, body string) (Result, bool) {
	last, err := d.log.LastAttemptAt(event.ID)
	if err != nil {
		// Fail toward suppression: a broken window query must not turn
		// every location update into a notification storm.
		d.logWarnf("rate-limit lookup failed for event=%v: %v", event.ID, err)
		return Result{Total: len(contacts)}, false
	}

	if last != nil && d.now().Sub(*last) < d.window {
		d.logInfof("event=%v inside %v window, suppressing round", event.ID, d.window)
		return Result{Total: len(contacts)}, false
	}

	return d.Notify(event, contacts, body), true
}

func (d *Dispatcher) record(eventID, contactID uint, outcome, detail string, at time.Time) {
	err := d.log.Record(eventID, contactID, outcome, detail, at)
	if err != nil {
		d.logWarnf("failed to record notification attempt for event=%v: %v", eventID, err)
	}
}

func (d *Dispatcher) logInfof(template string, args ...interface{}) {
	prefix := colors.Blue("[notifier] ")
	d.logg.Infof(prefix+template, args...)
}

func (d *Dispatcher) logWarnf(template string, args ...interface{}) {
	prefix := colors.Yellow("[notifier] ")
	d.logg.Warnf(prefix+template, args...)
}

// PersistedAttemptLog is the models-backed AttemptLog used outside tests.
type PersistedAttemptLog struct{}

func (PersistedAttemptLog) Record(eventID, contactID uint, outcome, detail string, at time.Time) error {
	return models.CreateNotificationAttempt(&models.NotificationAttempt{
		EventID:     eventID,
		ContactID:   contactID,
		Outcome:     outcome,
		Detail:      detail,
		AttemptedAt: at,
	})
}

func (PersistedAttemptLog) LastAttemptAt(eventID uint) (*time.Time, error) {
	return models.LastNotificationAttemptAt(eventID)
}
