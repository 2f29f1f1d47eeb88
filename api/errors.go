package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/kilianp07/cpsim/core/correlator"
	"github.com/kilianp07/cpsim/core/engine"
	"github.com/kilianp07/cpsim/core/ocpp"
	"github.com/kilianp07/cpsim/core/sessionstore"
	"github.com/kilianp07/cpsim/core/statemachine"
)

const maxBody = 1 << 20

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusOf maps engine errors to HTTP status codes.
func statusOf(err error) int {
	var perr *ocpp.ProtocolError
	switch {
	case errors.Is(err, engine.ErrUnknownSession), errors.Is(err, sessionstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, statemachine.ErrInvalidTransition),
		errors.Is(err, engine.ErrNoTransaction),
		errors.Is(err, correlator.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, correlator.ErrProtocolTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	var perr *ocpp.ProtocolError
	if errors.As(err, &perr) {
		body.Code = perr.Code
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBody)
	defer body.Close()
	err := json.NewDecoder(body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
