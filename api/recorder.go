package api

import (
	"errors"
	"net/http"
)

type recorderRequest struct {
	Path string `json:"path"`
}

type recorderStatus struct {
	Recording bool   `json:"recording"`
	Path      string `json:"path,omitempty"`
	Events    int    `json:"events"`
}

var errNoRecorder = errors.New("recorder not configured")

func (s *Server) recorderStatus() recorderStatus {
	rec := s.opts.Recorder
	return recorderStatus{Recording: rec.IsRecording(), Path: rec.Path(), Events: rec.Count()}
}

func (s *Server) RecorderStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Recorder == nil {
		writeError(w, http.StatusNotFound, errNoRecorder)
		return
	}
	writeJSON(w, http.StatusOK, s.recorderStatus())
}

func (s *Server) StartRecorder(w http.ResponseWriter, r *http.Request) {
	if s.opts.Recorder == nil {
		writeError(w, http.StatusNotFound, errNoRecorder)
		return
	}
	req := recorderRequest{Path: s.opts.RecorderPath}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	if err := s.opts.Recorder.Start(req.Path); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Infof("recording protocol events to %s", req.Path)
	writeJSON(w, http.StatusOK, s.recorderStatus())
}

func (s *Server) StopRecorder(w http.ResponseWriter, r *http.Request) {
	if s.opts.Recorder == nil {
		writeError(w, http.StatusNotFound, errNoRecorder)
		return
	}
	if err := s.opts.Recorder.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recorderStatus())
}
