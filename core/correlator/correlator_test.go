package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/cpsim/core/async"
	"github.com/kilianp07/cpsim/core/model"
	"github.com/kilianp07/cpsim/core/ocpp"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	frames    [][]byte
}

func (f *fakeTransport) IsConnected(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(_ string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) sent() []ocpp.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ocpp.Frame, 0, len(f.frames))
	for _, b := range f.frames {
		fr, _ := ocpp.Decode(b)
		out = append(out, fr)
	}
	return out
}

type recordingHistory struct {
	mu   sync.Mutex
	msgs []model.ProtocolMessage
}

func (h *recordingHistory) add(_ string, m model.ProtocolMessage) {
	h.mu.Lock()
	h.msgs = append(h.msgs, m)
	h.mu.Unlock()
}

func (h *recordingHistory) all() []model.ProtocolMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.ProtocolMessage(nil), h.msgs...)
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *countingMetrics) ObserveCall(_, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[outcome]++
}

func await(t *testing.T, c *Correlator, sessionID, action string, payload any) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.SendCall(sessionID, action, payload).Await(ctx)
}

func TestSendCallNotConnected(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr, Options{})
	_, err := await(t, c, "s1", "Heartbeat", nil)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, tr.sent())
	assert.Equal(t, 0, c.Pending("s1"))
}

func TestSendCallResolvesWithResult(t *testing.T) {
	tr := &fakeTransport{connected: true}
	h := &recordingHistory{}
	c := New(tr, Options{History: h.add})

	f := c.SendCall("s1", "Heartbeat", nil)
	frames := tr.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, ocpp.MessageTypeCall, frames[0].Type)
	assert.Equal(t, "Heartbeat", frames[0].Action)
	assert.JSONEq(t, `{}`, string(frames[0].Payload))
	assert.Equal(t, 1, c.Pending("s1"))

	ok := c.HandleResult("s1", frames[0].ID, json.RawMessage(`{"currentTime":"2024-01-01T00:00:00Z"}`))
	require.True(t, ok)

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"currentTime":"2024-01-01T00:00:00Z"}`, string(v))
	assert.Equal(t, 0, c.Pending("s1"))

	msgs := h.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.DirectionOut, msgs[0].Direction)
	assert.Equal(t, model.KindCall, msgs[0].Kind)
	assert.Equal(t, model.DirectionIn, msgs[1].Direction)
	assert.Equal(t, model.KindCallResult, msgs[1].Kind)
	assert.Equal(t, "Heartbeat", msgs[1].Action)
	assert.GreaterOrEqual(t, msgs[1].Latency, time.Duration(0))
}

func TestHandleErrorResolvesWithProtocolError(t *testing.T) {
	tr := &fakeTransport{connected: true}
	c := New(tr, Options{})
	f := c.SendCall("s1", "Authorize", map[string]string{"idTag": "TAG"})
	id := tr.sent()[0].ID

	require.True(t, c.HandleError("s1", id, ocpp.ErrorNotSupported, "nope", nil))
	_, err := f.Await(context.Background())
	var perr *ocpp.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ocpp.ErrorNotSupported, perr.Code)
	assert.Equal(t, "nope", perr.Description)
}

func TestUnknownIDsAreIgnored(t *testing.T) {
	tr := &fakeTransport{connected: true}
	c := New(tr, Options{})
	assert.False(t, c.HandleResult("s1", "nope", nil))
	assert.False(t, c.HandleError("s2", "nope", ocpp.ErrorGeneric, "", nil))

	f := c.SendCall("s1", "Heartbeat", nil)
	id := tr.sent()[0].ID
	require.True(t, c.HandleResult("s1", id, json.RawMessage(`{}`)))
	// A late duplicate must not change the outcome.
	assert.False(t, c.HandleError("s1", id, ocpp.ErrorGeneric, "late", nil))
	_, err := f.Await(context.Background())
	assert.NoError(t, err)
}

func TestTimeout(t *testing.T) {
	tr := &fakeTransport{connected: true}
	m := &countingMetrics{}
	c := New(tr, Options{Timeout: 20 * time.Millisecond, Metrics: m})

	_, err := await(t, c, "s1", "BootNotification", nil)
	require.ErrorIs(t, err, ErrProtocolTimeout)
	assert.Equal(t, 0, c.Pending("s1"))

	id := tr.sent()[0].ID
	assert.False(t, c.HandleResult("s1", id, json.RawMessage(`{}`)))
	m.mu.Lock()
	assert.Equal(t, 1, m.outcomes[OutcomeTimeout])
	m.mu.Unlock()
}

func TestSendFailureResolvesImmediately(t *testing.T) {
	tr := &fakeTransport{connected: true, sendErr: errors.New("broken pipe")}
	c := New(tr, Options{})
	_, err := await(t, c, "s1", "Heartbeat", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, 0, c.Pending("s1"))
}

func TestConcurrentCallsGetDistinctIDs(t *testing.T) {
	tr := &fakeTransport{connected: true}
	c := New(tr, Options{})
	const n = 200

	type call struct {
		i int
		f *async.Future[json.RawMessage]
	}
	futures := make(chan call, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := c.SendCall("s1", "DataTransfer", map[string]int{"n": i})
			futures <- call{i, f}
		}(i)
	}
	wg.Wait()
	close(futures)

	frames := tr.sent()
	require.Len(t, frames, n)
	seen := map[string]bool{}
	for _, fr := range frames {
		require.False(t, seen[fr.ID], "duplicate id %s", fr.ID)
		seen[fr.ID] = true
		// Echo the request payload back so each caller can verify its own result.
		require.True(t, c.HandleResult("s1", fr.ID, fr.Payload))
	}

	for item := range futures {
		v, err := item.f.Await(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, item.i), string(v))
	}
}

func TestRacingOutcomesResolveOnce(t *testing.T) {
	tr := &fakeTransport{connected: true}
	m := &countingMetrics{}
	c := New(tr, Options{Timeout: 5 * time.Millisecond, Metrics: m})

	const n = 100
	var matched atomic.Int32
	for i := 0; i < n; i++ {
		f := c.SendCall("s1", "Heartbeat", nil)
		frames := tr.sent()
		id := frames[len(frames)-1].ID

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			if c.HandleResult("s1", id, json.RawMessage(`{}`)) {
				matched.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if c.HandleError("s1", id, ocpp.ErrorGeneric, "", nil) {
				matched.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
			c.FailAll("s1", ErrNotConnected)
		}()
		wg.Wait()

		_, _ = f.Await(context.Background())
	}

	m.mu.Lock()
	total := 0
	for _, v := range m.outcomes {
		total += v
	}
	m.mu.Unlock()
	assert.Equal(t, n, total, "every request must be resolved exactly once")
	assert.Equal(t, 0, c.Pending("s1"))
	assert.LessOrEqual(t, int(matched.Load()), n)
}

func TestFailAll(t *testing.T) {
	tr := &fakeTransport{connected: true}
	c := New(tr, Options{})
	f1 := c.SendCall("s1", "Heartbeat", nil)
	f2 := c.SendCall("s1", "MeterValues", nil)
	other := c.SendCall("s2", "Heartbeat", nil)

	assert.Equal(t, 2, c.FailAll("s1", ErrNotConnected))
	for _, f := range []*async.Future[json.RawMessage]{f1, f2} {
		_, err := f.Await(context.Background())
		assert.ErrorIs(t, err, ErrNotConnected)
	}
	assert.Equal(t, 1, c.Pending("s2"))
	select {
	case <-other.Done():
		t.Fatal("other session must stay pending")
	default:
	}
	c.Forget("s2")
	_, err := other.Await(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}
