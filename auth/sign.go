package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

// SignRequest signs the canonical message for the request and sets the three
// authentication headers. The body must be exactly the bytes that will be
// sent. Used by client tooling and tests.
func SignRequest(r *http.Request, priv ed25519.PrivateKey, body []byte, at time.Time) {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	msg := CanonicalMessage(r.Method, r.URL.RequestURI(), timestamp, body)
	sig := ed25519.Sign(priv, msg)

	pub := priv.Public().(ed25519.PublicKey)
	r.Header.Set(SignatureHeader, hex.EncodeToString(sig))
	r.Header.Set(TimestampHeader, timestamp)
	r.Header.Set(PublicKeyHeader, hex.EncodeToString(pub))
}
