package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kilianp07/cpsim/core/async"
	"github.com/kilianp07/cpsim/core/model"
	"github.com/kilianp07/cpsim/core/payload"
	"github.com/kilianp07/cpsim/core/sessionstore"
)

const defaultTickSeconds = 60

type createRequest struct {
	model.Session
	// Profile names a catalog vehicle profile filling empty fields.
	Profile string `json:"profile,omitempty"`
}

type authorizeRequest struct {
	IDTag string `json:"id_tag"`
}

type stopRequest struct {
	Reason string `json:"reason"`
}

type statusRequest struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
}

type meterValuesRequest struct {
	Context string `json:"context"`
}

type intervalRequest struct {
	IntervalSeconds int `json:"interval_seconds"`
}

func sessionID(r *http.Request) string { return chi.URLParam(r, "sessionId") }

// reply waits for the central system's answer and writes it.
func reply[T any](w http.ResponseWriter, r *http.Request, f *async.Future[T]) {
	conf, err := f.Await(r.Context())
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, conf)
}

func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := sessionstore.Filter{
		ChargePointID: q.Get("charge_point_id"),
		State:         model.ChargePointState(q.Get("state")),
	}
	if v := q.Get("connected"); v != "" {
		connected, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("connected: %w", err))
			return
		}
		f.ConnectedOnly = connected
	}
	writeJSON(w, http.StatusOK, s.Engine.Sessions(f))
}

func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.Engine.CreateSession(r.Context(), req.Session, req.Profile)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.log.Infof("session %s created for %s", sess.ID, sess.ChargePointID)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Engine.Session(sessionID(r))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.DeleteSession(r.Context(), sessionID(r)); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) Connect(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if _, err := s.Engine.Session(id); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if !s.Engine.Connect(r.Context(), id) {
		writeError(w, http.StatusBadGateway, errors.New("connection failed, see session log"))
		return
	}
	s.GetSession(w, r)
}

func (s *Server) Disconnect(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if _, err := s.Engine.Session(id); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	s.Engine.Disconnect(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) Boot(w http.ResponseWriter, r *http.Request) {
	reply(w, r, s.Engine.SendBootNotification(sessionID(r)))
}

func (s *Server) Authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reply(w, r, s.Engine.SendAuthorize(sessionID(r), req.IDTag))
}

func (s *Server) StartTransaction(w http.ResponseWriter, r *http.Request) {
	reply(w, r, s.Engine.SendStartTransaction(sessionID(r)))
}

func (s *Server) StopTransaction(w http.ResponseWriter, r *http.Request) {
	req := stopRequest{Reason: "Local"}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reply(w, r, s.Engine.SendStopTransaction(sessionID(r), req.Reason))
}

func (s *Server) StatusNotification(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, errors.New("status is required"))
		return
	}
	reply(w, r, s.Engine.SendStatusNotification(sessionID(r), req.Status, req.ErrorCode))
}

func (s *Server) MeterValues(w http.ResponseWriter, r *http.Request) {
	req := meterValuesRequest{Context: payload.ContextPeriodic}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reply(w, r, s.Engine.SendMeterValues(sessionID(r), req.Context))
}

func (s *Server) Heartbeat(w http.ResponseWriter, r *http.Request) {
	reply(w, r, s.Engine.SendHeartbeat(sessionID(r)))
}

func (s *Server) Plug(w http.ResponseWriter, r *http.Request) {
	s.vehicle(w, r, s.Engine.Plug)
}

func (s *Server) Park(w http.ResponseWriter, r *http.Request) {
	s.vehicle(w, r, s.Engine.Park)
}

func (s *Server) Unplug(w http.ResponseWriter, r *http.Request) {
	s.vehicle(w, r, s.Engine.Unplug)
}

func (s *Server) vehicle(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	if err := fn(sessionID(r)); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	s.GetSession(w, r)
}

func (s *Server) StartJob(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	interval := time.Duration(req.IntervalSeconds) * time.Second
	id := sessionID(r)
	var err error
	switch model.TelemetryKind(chi.URLParam(r, "kind")) {
	case model.TelemetryHeartbeat:
		err = s.Engine.StartHeartbeat(id, interval)
	case model.TelemetryMeterValues:
		err = s.Engine.StartMeterValues(id, interval)
	case model.TelemetryClockAligned:
		err = s.Engine.StartClockAlignedData(id, interval)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown job %q", chi.URLParam(r, "kind")))
		return
	}
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	s.GetSession(w, r)
}

func (s *Server) StopJob(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	var err error
	switch model.TelemetryKind(chi.URLParam(r, "kind")) {
	case model.TelemetryHeartbeat:
		err = s.Engine.StopHeartbeat(id)
	case model.TelemetryMeterValues:
		err = s.Engine.StopMeterValues(id)
	case model.TelemetryClockAligned:
		err = s.Engine.StopClockAlignedData(id)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown job %q", chi.URLParam(r, "kind")))
		return
	}
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	s.GetSession(w, r)
}

func (s *Server) Tick(w http.ResponseWriter, r *http.Request) {
	req := intervalRequest{IntervalSeconds: defaultTickSeconds}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.IntervalSeconds <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("interval_seconds must be positive"))
		return
	}
	sample, err := s.Engine.Tick(sessionID(r), time.Duration(req.IntervalSeconds)*time.Second)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) Limits(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if _, err := s.Engine.Session(id); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Limits().Limits(id))
}
