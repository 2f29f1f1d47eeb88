package ocpp

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCallEmptyPayload(t *testing.T) {
	b, err := EncodeCall("abc", "Heartbeat", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"abc","Heartbeat",{}]`, string(b))
}

func TestEncodeDecodeCall(t *testing.T) {
	b, err := EncodeCall("1", "Authorize", map[string]string{"idTag": "TAG"})
	require.NoError(t, err)
	f, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeCall, f.Type)
	assert.Equal(t, "1", f.ID)
	assert.Equal(t, "Authorize", f.Action)
	assert.JSONEq(t, `{"idTag":"TAG"}`, string(f.Payload))
}

func TestDecodeResultAndError(t *testing.T) {
	f, err := Decode([]byte(`[3,"42",{"status":"Accepted"}]`))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeCallResult, f.Type)
	assert.Equal(t, "42", f.ID)

	f, err = Decode([]byte(`[4,"43","NotImplemented","nope",{}]`))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeCallError, f.Type)
	assert.Equal(t, "NotImplemented", f.ErrorCode)
	assert.Equal(t, "nope", f.ErrorDescription)
	assert.JSONEq(t, `{}`, string(f.ErrorDetails))
}

func TestEncodeCallError(t *testing.T) {
	b, err := EncodeCallError("9", ErrorNotImplemented, "unsupported", nil)
	require.NoError(t, err)
	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(b, &parts))
	assert.Len(t, parts, 5)
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range []string{
		`not json`,
		`[2,"1"]`,
		`[2,"1","Heartbeat"]`,
		`[9,"1",{}]`,
		`["x","1",{}]`,
		`[4,"1","Code"]`,
	} {
		_, err := Decode([]byte(in))
		assert.Truef(t, errors.Is(err, ErrMalformedFrame), "input %s", in)
	}
}

func TestProtocolErrorMessage(t *testing.T) {
	err := &ProtocolError{Code: "GenericError", Description: "boom"}
	assert.Equal(t, "ocpp error GenericError: boom", err.Error())
}
