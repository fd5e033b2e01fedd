package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aegisapp/aegis/server/logger"
	"github.com/aegisapp/aegis/server/models"
	"github.com/aegisapp/aegis/server/notifier"
	"github.com/aegisapp/aegis/server/resilience"
	"github.com/aegisapp/aegis/server/sos"
	"github.com/stretchr/testify/assert"
)

// sinkSender accepts every message without talking to a carrier.
type sinkSender struct {
	mu   sync.Mutex
	sent int
}

func (s *sinkSender) SendMessage(to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	return nil
}

func newTestEnv() *Env {
	logg := logger.NewNopLogger()
	monitor := resilience.NewNetworkMonitor(true)
	queue := resilience.NewOfflineQueue(monitor, logg)
	exec := resilience.NewExecutor(monitor.Online, queue, logg)
	dispatcher := notifier.NewDispatcher(&sinkSender{}, notifier.PersistedAttemptLog{}, logg, 2*time.Minute)

	return &Env{
		Service: sos.NewService(exec, dispatcher, logg),
		Monitor: monitor,
		Queue:   queue,
	}
}

func doRequest(t *testing.T, env *Env, method, path string, body interface{}) (*httptest.ResponseRecorder, ResponsePayload) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("could not encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	NewRouter(env).ServeHTTP(rec, req)

	payload := ResponsePayload{}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("could not decode response %q: %v", rec.Body.String(), err)
	}

	return rec, payload
}

func createHandlerTestUser(t *testing.T) *models.User {
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

	contact := &models.Contact{Name: "pepper", PhoneNumber: "22345678900"}
	if err := user.AddContact(contact); err != nil {
		t.Fatalf("could not create test contact: %v", err)
	}

	return user
}

func TestMain(m *testing.M) {
	if err := RegisterValidators(validate); err != nil {
		panic(err)
	}
	m.Run()
}

func TestSosLifecycleOverHTTP(t *testing.T) {
	models.InitializeTestDb()
	env := newTestEnv()
	user := createHandlerTestUser(t)

	// Activate
	rec, payload := doRequest(t, env, "POST",
		fmt.Sprintf("/v1/users/%v/sos/activate", user.ID),
		map[string]interface{}{"lat": 43.6532, "lng": -79.3832})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, payload.Success)

	data := payload.Data.(map[string]interface{})
	eventID := data["event_id"].(float64)
	assert.Equal(t, float64(1), data["contacts_notified"])

	// Location update
	rec, payload = doRequest(t, env, "POST",
		fmt.Sprintf("/v1/users/%v/sos/location", user.ID),
		map[string]interface{}{"event_id": eventID, "lat": 43.66, "lng": -79.39, "accuracy": 8})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, payload.Success)

	// Cancel
	rec, payload = doRequest(t, env, "POST",
		fmt.Sprintf("/v1/users/%v/sos/cancel", user.ID),
		map[string]interface{}{"event_id": eventID})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, payload.Success)

	event, err := models.FindEmergencyEvent(uint(eventID))
	assert.Nil(t, err)
	assert.False(t, event.Active)
}

func TestSosActivateValidation(t *testing.T) {
	models.InitializeTestDb()
	env := newTestEnv()
	user := createHandlerTestUser(t)

	testCases := []struct {
		desc         string
		body         map[string]interface{}
		expectedCode int
	}{
		{"missing coordinates", map[string]interface{}{}, http.StatusBadRequest},
		{"latitude out of range", map[string]interface{}{"lat": 95.0, "lng": 10.0}, http.StatusBadRequest},
		{"null island", map[string]interface{}{"lat": 0.0, "lng": 0.0}, http.StatusBadRequest},
	}

	for _, tcase := range testCases {
		t.Run(tcase.desc, func(t *testing.T) {
			rec, payload := doRequest(t, env, "POST",
				fmt.Sprintf("/v1/users/%v/sos/activate", user.ID), tcase.body)

			assert.Equal(t, tcase.expectedCode, rec.Code)
			assert.False(t, payload.Success)
			assert.NotEmpty(t, payload.Errors)
			assert.NotEmpty(t, payload.Errors[0].Message)
			assert.NotEmpty(t, payload.Errors[0].Actions)
		})
	}
}

func TestSosActivateConflictMapsTo409(t *testing.T) {
	models.InitializeTestDb()
	env := newTestEnv()
	user := createHandlerTestUser(t)

	rec, _ := doRequest(t, env, "POST",
		fmt.Sprintf("/v1/users/%v/sos/activate", user.ID),
		map[string]interface{}{"lat": 43.6532, "lng": -79.3832})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec, payload := doRequest(t, env, "POST",
		fmt.Sprintf("/v1/users/%v/sos/activate", user.ID),
		map[string]interface{}{"lat": 44.0, "lng": -79.0})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "active_event_exists", payload.Errors[0].Code)
}

func TestSosCancelUnknownEventMapsTo404(t *testing.T) {
	models.InitializeTestDb()
	env := newTestEnv()
	user := createHandlerTestUser(t)

	rec, payload := doRequest(t, env, "POST",
		fmt.Sprintf("/v1/users/%v/sos/cancel", user.ID),
		map[string]interface{}{"event_id": 404})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, payload.Success)
}

func TestCreateUserNormalizesPhoneNumber(t *testing.T) {
	models.InitializeTestDb()
	env := newTestEnv()

	rec, payload := doRequest(t, env, "POST", "/v1/users", map[string]interface{}{
		"first_name":   "tony",
		"last_name":    "stark",
		"email":        "stark@avengers.com",
		"phone_number": "+1 (234) 567-8900",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, payload.Success)

	data := payload.Data.(map[string]interface{})
	assert.Equal(t, "12345678900", data["phone_number"])
}

func TestCreateUserRejectsBadPhoneNumber(t *testing.T) {
	models.InitializeTestDb()
	env := newTestEnv()

	rec, payload := doRequest(t, env, "POST", "/v1/users", map[string]interface{}{
		"first_name":   "tony",
		"last_name":    "stark",
		"email":        "stark@avengers.com",
		"phone_number": "123",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, payload.Success)
}

func TestContactCRUDOverHTTP(t *testing.T) {
	models.InitializeTestDb()
	env := newTestEnv()
	user := createHandlerTestUser(t)

	// Create
	rec, payload := doRequest(t, env, "POST",
		fmt.Sprintf("/v1/users/%v/contacts", user.ID),
		map[string]interface{}{"name": "happy", "phone_number": "32345678900", "relationship": "driver"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	contactID := payload.Data.(map[string]interface{})["id"].(float64)

	// List
	rec, payload = doRequest(t, env, "GET",
		fmt.Sprintf("/v1/users/%v/contacts", user.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, payload.Data.([]interface{}), 2)

	// Update
	rec, payload = doRequest(t, env, "PUT",
		fmt.Sprintf("/v1/users/%v/contacts/%v", user.ID, contactID),
		map[string]interface{}{"relationship": "bodyguard"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bodyguard", payload.Data.(map[string]interface{})["relationship"])

	// Delete
	rec, _ = doRequest(t, env, "DELETE",
		fmt.Sprintf("/v1/users/%v/contacts/%v", user.ID, contactID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	contacts, err := models.ContactsForUser(user.ID)
	assert.Nil(t, err)
	assert.Len(t, contacts, 1)
}

func TestHealthCheckReportsConnectivityAndBacklog(t *testing.T) {
	models.InitializeTestDb()
	env := newTestEnv()

	rec, payload := doRequest(t, env, "GET", "/v1/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, payload.Success)

	data := payload.Data.(map[string]interface{})
	assert.Equal(t, true, data["online"])
	assert.Equal(t, float64(0), data["queued"])
}

func TestResponsesAreJSON(t *testing.T) {
	models.InitializeTestDb()
	env := newTestEnv()

	rec, _ := doRequest(t, env, "GET", "/v1/health", nil)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
