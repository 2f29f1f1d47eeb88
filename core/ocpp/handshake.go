package ocpp

import (
	"errors"
	"strings"
	"time"
)

// ErrUnauthorized reports a handshake refused because of the presented
// credential.
var ErrUnauthorized = errors.New("central system rejected credentials")

// Subprotocol returns the websocket subprotocol token negotiated for the given
// protocol version. Only the major version is significant.
func Subprotocol(version string) string {
	major := strings.TrimSpace(version)
	if i := strings.IndexByte(major, '.'); i >= 0 {
		major = major[:i]
	}
	switch major {
	case "2":
		return "ocpp2.0.1"
	default:
		return "ocpp1.6"
	}
}

// EndpointURL appends the charge point id to base exactly once, whether base
// ends with a separator, with the id, with both or with neither.
func EndpointURL(base, chargePointID string) string {
	u := strings.TrimRight(base, "/")
	if chargePointID == "" {
		return u
	}
	u = strings.TrimSuffix(u, "/"+chargePointID)
	return u + "/" + chargePointID
}

// Endpoint describes where and how a charge point opens its transport.
type Endpoint struct {
	URL         string
	Subprotocol string
	Token       string
	Timeout     time.Duration
}
