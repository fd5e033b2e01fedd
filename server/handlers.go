package server

import (
	"net/http"

	"github.com/aegisapp/aegis/server/models"
	"github.com/aegisapp/aegis/server/resilience"
	"github.com/aegisapp/aegis/utils"
	"github.com/aegisapp/aegis/version"
)

type activateSosRequest struct {
	Lat *float64 `json:"lat" validate:"required"`
	Lng *float64 `json:"lng" validate:"required"`
}

type updateLocationRequest struct {
	EventID  uint     `json:"event_id" validate:"required"`
	Lat      *float64 `json:"lat" validate:"required"`
	Lng      *float64 `json:"lng" validate:"required"`
	Accuracy float64  `json:"accuracy"`
}

type cancelSosRequest struct {
	EventID uint `json:"event_id" validate:"required"`
}

type contactRequest struct {
	Name         string `json:"name" validate:"required"`
	PhoneNumber  string `json:"phone_number" validate:"required"`
	Relationship string `json:"relationship"`
}

// ---------------------------------------------------------------------------------//
// SOS handlers
// --------------------------------------------------------------------------------//

func (env *Env) sosActivate(rw http.ResponseWriter, r *http.Request) {
	userID, err := uintPathVar(r, "uid")
	if err != nil {
		writeAppError(rw, err)
		return
	}

	payload := activateSosRequest{}
	if err := decodeAndValidate(r, &payload); err != nil {
		writeAppError(rw, err)
		return
	}

	result, err := env.Service.Activate(r.Context(), userID, *payload.Lat, *payload.Lng)
	if err != nil {
		writeAppError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: result}, http.StatusCreated)
}

func (env *Env) sosUpdateLocation(rw http.ResponseWriter, r *http.Request) {
	userID, err := uintPathVar(r, "uid")
	if err != nil {
		writeAppError(rw, err)
		return
	}

	payload := updateLocationRequest{}
	if err := decodeAndValidate(r, &payload); err != nil {
		writeAppError(rw, err)
		return
	}

	result, err := env.Service.RecordLocation(
		r.Context(), userID, payload.EventID, *payload.Lat, *payload.Lng, payload.Accuracy)
	if err != nil {
		writeAppError(rw, err)
		return
	}

	// A queued write is still accepted, the sample replays once back online
	statusCode := http.StatusOK
	if result.Queued {
		statusCode = http.StatusAccepted
	}
	writeResponse(rw, ResponsePayload{Success: true, Data: result}, statusCode)
}

func (env *Env) sosCancel(rw http.ResponseWriter, r *http.Request) {
	userID, err := uintPathVar(r, "uid")
	if err != nil {
		writeAppError(rw, err)
		return
	}

	payload := cancelSosRequest{}
	if err := decodeAndValidate(r, &payload); err != nil {
		writeAppError(rw, err)
		return
	}

	result, err := env.Service.Cancel(r.Context(), userID, payload.EventID)
	if err != nil {
		writeAppError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: result}, http.StatusOK)
}

// ---------------------------------------------------------------------------------//
// User & contact handlers
// --------------------------------------------------------------------------------//

func (env *Env) createUser(rw http.ResponseWriter, r *http.Request) {
	user := models.User{}
	if err := decodeJSON(r, &user); err != nil {
		writeAppError(rw, err)
		return
	}

	user.PhoneNumber = utils.DigitsOnly(user.PhoneNumber)
	if err := validate.Struct(user); err != nil {
		writeAppError(rw, resilience.NewValidationError("invalid_payload", err.Error()))
		return
	}

	if err := models.CreateUser(&user); err != nil {
		writeAppError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: user}, http.StatusCreated)
}

func (env *Env) findUser(rw http.ResponseWriter, r *http.Request) {
	user, err := env.userFromPath(r)
	if err != nil {
		writeAppError(rw, err)
		return
	}

	if err := user.LoadContacts(); err != nil {
		writeAppError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: user}, http.StatusOK)
}

func (env *Env) updateUser(rw http.ResponseWriter, r *http.Request) {
	user, err := env.userFromPath(r)
	if err != nil {
		writeAppError(rw, err)
		return
	}

	updates := map[string]interface{}{}
	if err := decodeJSON(r, &updates); err != nil {
		writeAppError(rw, err)
		return
	}

	if phone, ok := updates["phone_number"].(string); ok {
		updates["phone_number"] = utils.DigitsOnly(phone)
	}

	if err := user.Update(updates); err != nil {
		writeAppError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: user}, http.StatusOK)
}

func (env *Env) deleteUser(rw http.ResponseWriter, r *http.Request) {
	user, err := env.userFromPath(r)
	if err != nil {
		writeAppError(rw, err)
		return
	}

	if err := models.DeleteUser(user.ID); err != nil {
		writeAppError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func (env *Env) fetchContacts(rw http.ResponseWriter, r *http.Request) {
	user, err := env.userFromPath(r)
	if err != nil {
		writeAppError(rw, err)
		return
	}

	contacts, err := models.ContactsForUser(user.ID)
	if err != nil {
		writeAppError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: contacts}, http.StatusOK)
}

func (env *Env) createContact(rw http.ResponseWriter, r *http.Request) {
	user, err := env.userFromPath(r)
	if err != nil {
		writeAppError(rw, err)
		return
	}

	payload := contactRequest{}
	if err := decodeAndValidate(r, &payload); err != nil {
		writeAppError(rw, err)
		return
	}

	contact := models.Contact{
		Name:         payload.Name,
		PhoneNumber:  utils.DigitsOnly(payload.PhoneNumber),
		Relationship: payload.Relationship,
	}
	if !phoneDigitsRegex.MatchString(contact.PhoneNumber) {
		writeAppError(rw, resilience.NewValidationError(
			"invalid_phone_number", "phone_number must be 10 to 15 digits"))
		return
	}

	if err := user.AddContact(&contact); err != nil {
		writeAppError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: contact}, http.StatusCreated)
}

func (env *Env) updateContact(rw http.ResponseWriter, r *http.Request) {
	user, err := env.userFromPath(r)
	if err != nil {
		writeAppError(rw, err)
		return
	}

	contactID, err := uintPathVar(r, "id")
	if err != nil {
		writeAppError(rw, err)
		return
	}

	updates := map[string]interface{}{}
	if err := decodeJSON(r, &updates); err != nil {
		writeAppError(rw, err)
		return
	}

	if phone, ok := updates["phone_number"].(string); ok {
		updates["phone_number"] = utils.DigitsOnly(phone)
	}

	if err := user.UpdateContact(contactID, updates); err != nil {
		writeAppError(rw, err)
		return
	}

	contact, err := models.FindContact(user.ID, contactID)
	if err != nil {
		writeAppError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: contact}, http.StatusOK)
}

func (env *Env) deleteContact(rw http.ResponseWriter, r *http.Request) {
	user, err := env.userFromPath(r)
	if err != nil {
		writeAppError(rw, err)
		return
	}

	contactID, err := uintPathVar(r, "id")
	if err != nil {
		writeAppError(rw, err)
		return
	}

	if err := user.DeleteContact(contactID); err != nil {
		writeAppError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func (env *Env) healthCheck(rw http.ResponseWriter, r *http.Request) {
	writeResponse(rw, ResponsePayload{
		Success: true,
		Data: map[string]interface{}{
			"version": version.Version,
			"online":  env.Monitor.Online(),
			"queued":  env.Queue.Len(),
		},
	}, http.StatusOK)
}

func (env *Env) userFromPath(r *http.Request) (*models.User, error) {
	userID, err := uintPathVar(r, "uid")
	if err != nil {
		return nil, err
	}
	return models.FindUserBy("id", userID)
}
