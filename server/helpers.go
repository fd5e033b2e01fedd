package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/aegisapp/aegis/server/resilience"
	"github.com/go-playground/validator"
	"github.com/gorilla/mux"
)

var phoneDigitsRegex = regexp.MustCompile(`^[0-9]{10,15}$`)

// ResponsePayload is the envelope every endpoint writes.
type ResponsePayload struct {
	Errors  []ErrorDetail `json:"errors,omitempty"`
	Success bool          `json:"success"`
	Data    interface{}   `json:"data,omitempty"`
}

// ErrorDetail carries the classified error to the client, including
// the suggested recovery actions.
type ErrorDetail struct {
	Code     string   `json:"code"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Severity string   `json:"severity"`
	Actions  []string `json:"actions,omitempty"`
}

// RegisterValidators adds the custom field validators used by the
// request payloads & config structs.
func RegisterValidators(validate *validator.Validate) error {
	return validate.RegisterValidation("phone_digits", func(fl validator.FieldLevel) bool {
		return phoneDigitsRegex.MatchString(fl.Field().String())
	})
}

func writeResponse(rw http.ResponseWriter, payload ResponsePayload, statusCode int) {
	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(payload)
}

// writeAppError classifies err and writes it with the matching status code.
func writeAppError(rw http.ResponseWriter, err error) {
	appErr := resilience.Classify(err)
	writeResponse(rw, ResponsePayload{Errors: []ErrorDetail{errorDetail(appErr)}}, statusCodeFor(appErr))
}

func errorDetail(appErr *resilience.AppError) ErrorDetail {
	return ErrorDetail{
		Code:     appErr.Code,
		Title:    appErr.Title,
		Message:  appErr.Message,
		Severity: appErr.Severity(),
		Actions:  appErr.Actions,
	}
}

func statusCodeFor(appErr *resilience.AppError) int {
	switch appErr.Kind {
	case resilience.KindValidation:
		return http.StatusBadRequest
	case resilience.KindNotFound:
		return http.StatusNotFound
	case resilience.KindConflict:
		return http.StatusConflict
	case resilience.KindPermission:
		return http.StatusForbidden
	case resilience.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// uintPathVar parses the named route variable as an unsigned id.
func uintPathVar(r *http.Request, name string) (uint, error) {
	value, err := strconv.ParseUint(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, resilience.NewValidationError("invalid_"+name, name+" must be a positive integer")
	}
	return uint(value), nil
}

func decodeJSON(r *http.Request, payload interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		return resilience.NewValidationError("invalid_json", "unable to parse request body")
	}
	return nil
}

func decodeAndValidate(r *http.Request, payload interface{}) error {
	if err := decodeJSON(r, payload); err != nil {
		return err
	}
	if err := validate.Struct(payload); err != nil {
		return resilience.NewValidationError("invalid_payload", err.Error())
	}
	return nil
}
