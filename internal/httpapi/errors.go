package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"shopd/internal/model"
	"shopd/internal/mpesa"
	"shopd/internal/payments"
	"shopd/internal/task/engine"
	"shopd/internal/task/queue"
	"shopd/pkg/logx"
)

// errBadRequest marks input the handler itself rejected.
var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var apiErr *mpesa.APIError
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, queue.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, mpesa.ErrInvalidPhone),
		errors.Is(err, mpesa.ErrInvalidAmount),
		errors.Is(err, payments.ErrRefundExceedsPaid):
		return http.StatusBadRequest
	case errors.Is(err, payments.ErrOrderPaid),
		errors.Is(err, payments.ErrNotRefundable),
		errors.Is(err, payments.ErrRefundNotPending),
		errors.Is(err, payments.ErrInvalidTransition),
		errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, mpesa.ErrNoClient),
		errors.Is(err, engine.ErrQueueFull),
		errors.Is(err, engine.ErrStopped),
		errors.Is(err, queue.ErrBrokerStopped):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError replies with {"error": "..."}. Internal errors are logged and
// replaced with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg})
}
