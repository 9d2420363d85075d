// Package link maintains one supervised WebSocket connection per exchange account.
//
// A Link owns the session, heartbeat supervision, reconnection, the subscription
// registry, the top-of-book cache and fill correlation. Venue specifics live behind
// the Codec interface.
package link

import (
	"context"

	"github.com/coachpo/exchangelink/internal/domain/schema"
)

// HeartbeatPolicy selects how liveness is proven on an idle connection.
type HeartbeatPolicy uint8

const (
	// TrustTransport relies on WebSocket-level ping/pong. Silence alone never reconnects.
	TrustTransport HeartbeatPolicy = iota
	// ExplicitPing sends the codec's application ping and counts unanswered pings.
	ExplicitPing
)

func (p HeartbeatPolicy) String() string {
	if p == ExplicitPing {
		return "explicit-ping"
	}
	return "trust-transport"
}

// Codec translates between one venue's wire format and canonical events.
type Codec interface {
	// Exchange returns the venue name used in logs, metrics and errors.
	Exchange() string
	// Endpoint returns the WebSocket URL to dial.
	Endpoint() string
	// Decode classifies a frame. Unknown frames yield a KindUnknown event and no error;
	// malformed JSON yields an errs.CodeProtocol error.
	Decode(frame []byte) ([]schema.Event, error)
	// SubscribeFrame builds the subscribe frame for key. Private streams are signed on
	// every call so that replays carry a fresh timestamp or token. A nil frame means the
	// stream is already covered by another subscription on this venue.
	SubscribeFrame(ctx context.Context, key schema.StreamKey) ([]byte, error)
	UnsubscribeFrame(key schema.StreamKey) ([]byte, error)
	Heartbeat() HeartbeatPolicy
	// PingFrame returns the application ping, or nil under TrustTransport.
	PingFrame() []byte
	// PongFrame answers a server ping. Nil means no answer is required.
	PongFrame(ping *schema.Control) []byte
	// OpenMeansSlippage reports whether an Open status on a market order means the
	// order rested because it breached the slippage tolerance.
	OpenMeansSlippage() bool
}

// Handshaker is implemented by codecs that must send frames on every new session
// before subscriptions are replayed.
type Handshaker interface {
	HandshakeFrames() [][]byte
}
