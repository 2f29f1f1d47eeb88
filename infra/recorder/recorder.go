// Package recorder taps the protocol stream of every session into a CBOR
// file that can be replayed by regression tests. Recording is toggled at
// runtime; failures never reach the protocol path.
package recorder

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/kilianp07/cpsim/core/model"
)

// ErrNotRecording is returned by RecordEvent while stopped.
var ErrNotRecording = errors.New("recorder not started")

// Event is one recorded protocol message.
type Event struct {
	Timestamp        time.Time         `cbor:"1,keyasint"`
	SessionID        string            `cbor:"2,keyasint"`
	Direction        model.Direction   `cbor:"3,keyasint"`
	Kind             model.MessageKind `cbor:"4,keyasint"`
	MessageID        string            `cbor:"5,keyasint"`
	Action           string            `cbor:"6,keyasint,omitempty"`
	Payload          []byte            `cbor:"7,keyasint,omitempty"`
	LatencyNS        int64             `cbor:"8,keyasint,omitempty"`
	ErrorCode        string            `cbor:"9,keyasint,omitempty"`
	ErrorDescription string            `cbor:"10,keyasint,omitempty"`
}

// FromMessage converts a protocol message of a session.
func FromMessage(sessionID string, m model.ProtocolMessage) Event {
	return Event{
		Timestamp:        m.Timestamp,
		SessionID:        sessionID,
		Direction:        m.Direction,
		Kind:             m.Kind,
		MessageID:        m.ID,
		Action:           m.Action,
		Payload:          []byte(m.Payload),
		LatencyNS:        int64(m.Latency),
		ErrorCode:        m.ErrorCode,
		ErrorDescription: m.ErrorDescription,
	}
}

// Message converts the event back.
func (e Event) Message() model.ProtocolMessage {
	return model.ProtocolMessage{
		Direction:        e.Direction,
		Kind:             e.Kind,
		ID:               e.MessageID,
		Action:           e.Action,
		Payload:          e.Payload,
		Timestamp:        e.Timestamp,
		Latency:          time.Duration(e.LatencyNS),
		ErrorCode:        e.ErrorCode,
		ErrorDescription: e.ErrorDescription,
	}
}

// FileRecorder appends events to a file. It is safe for concurrent use.
type FileRecorder struct {
	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	path    string
	count   int
}

// New returns a stopped recorder.
func New() *FileRecorder { return &FileRecorder{} }

// Start opens path for appending, stopping any recording in progress.
func (r *FileRecorder) Start(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		_ = r.file.Close()
	}
	r.file, r.encoder, r.path, r.count = f, newEncoder(f), path, 0
	return nil
}

// Stop closes the file. It is safe to call repeatedly.
func (r *FileRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.encoder = nil, nil
	return err
}

// IsRecording reports whether a file is open.
func (r *FileRecorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file != nil
}

// Path returns the current or last recording path.
func (r *FileRecorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Count returns the number of events written since Start.
func (r *FileRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Record writes e.
func (r *FileRecorder) Record(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ErrNotRecording
	}
	if err := r.encoder.Encode(e); err != nil {
		return err
	}
	r.count++
	return nil
}

// RecordEvent records a protocol message of a session.
func (r *FileRecorder) RecordEvent(sessionID string, m model.ProtocolMessage) error {
	return r.Record(FromMessage(sessionID, m))
}
