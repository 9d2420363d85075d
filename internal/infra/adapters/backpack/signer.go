package backpack

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/coachpo/exchangelink/errs"
)

// Signer produces the ED25519 signatures Backpack requires on private subscriptions.
type Signer struct {
	apiKey string
	key    ed25519.PrivateKey
	window time.Duration
}

// NewSigner decodes secret, a base64 ed25519 seed or full private key.
func NewSigner(exchange, apiKey, secret string, window time.Duration) (*Signer, error) {
	if apiKey == "" || secret == "" {
		return nil, errs.New(exchange, errs.CodeAuth, errs.WithMessage("api key and secret required"))
	}
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, errs.New(exchange, errs.CodeAuth, errs.WithMessage("api secret is not base64"), errs.WithCause(err))
	}
	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	default:
		return nil, errs.New(exchange, errs.CodeAuth,
			errs.WithMessage(fmt.Sprintf("api secret must decode to %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))))
	}
	return &Signer{apiKey: apiKey, key: key, window: window}, nil
}

// SubscriptionSignature returns the [apiKey, signature, timestamp, window] tuple.
func (s *Signer) SubscriptionSignature(now time.Time) []string {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	window := strconv.FormatInt(s.window.Milliseconds(), 10)
	msg := "instruction=subscribe&timestamp=" + ts + "&window=" + window
	sig := ed25519.Sign(s.key, []byte(msg))
	return []string{s.apiKey, base64.StdEncoding.EncodeToString(sig), ts, window}
}
