// Package auth implements request authentication for the cryptmountd API.
//
// Clients sign every request with an Ed25519 key. The signature covers a
// canonical message built from the method, the path including the query
// string, a unix timestamp and the SHA-256 digest of the body. The server
// verifies the signature against a static allow-list of trusted public keys
// and enforces a replay freshness window; there is no nonce cache, so a
// captured signature is replayable only within the window and only for the
// exact same method, path and body.
package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cryptmountd/cryptmountd/interfaces"
)

// Header names carrying the signature material out-of-band from the body.
const (
	// SignatureHeader is the hex-encoded Ed25519 signature.
	SignatureHeader = "X-Signature"

	// TimestampHeader is the unix timestamp (seconds) the client signed.
	TimestampHeader = "X-Timestamp"

	// PublicKeyHeader is the hex-encoded public key the client claims.
	PublicKeyHeader = "X-Public-Key"
)

// FreshnessWindow is the maximum accepted distance between the claimed
// timestamp and server time, in either direction.
const FreshnessWindow = 300 * time.Second

// Verdict classifies the outcome of request verification. Callers map every
// rejected verdict to the same generic response; the distinction only drives
// rate limiting and auditing.
type Verdict int

const (
	// Authorized means all checks passed.
	Authorized Verdict = iota

	// RejectedMalformed means required headers were missing. Malformed, not
	// malicious: not counted as an authentication failure.
	RejectedMalformed

	// RejectedNotConfigured means the trusted-key set is empty and the
	// verifier fails closed. Not counted as an authentication failure.
	RejectedNotConfigured

	// RejectedAuthFailure means an untrusted key, a stale or unparseable
	// timestamp, or a bad signature. Counted against the auth rate limit.
	RejectedAuthFailure
)

// CountsAsFailure reports whether the verdict increments the auth-failure
// rate-limit counter.
func (v Verdict) CountsAsFailure() bool {
	return v == RejectedAuthFailure
}

// Verifier checks signed requests against a static trusted-key set.
// The set is immutable for the process lifetime.
type Verifier struct {
	trusted map[interfaces.TrustedKey]struct{}
	now     func() time.Time
	log     *slog.Logger
}

// NewVerifier creates a verifier over the given allow-list. An empty list is
// valid but makes the verifier reject everything with RejectedNotConfigured.
func NewVerifier(keys []interfaces.TrustedKey, log *slog.Logger) *Verifier {
	trusted := make(map[interfaces.TrustedKey]struct{}, len(keys))
	for _, k := range keys {
		trusted[k] = struct{}{}
	}
	return &Verifier{
		trusted: trusted,
		now:     time.Now,
		log:     log,
	}
}

// WithClock overrides the verifier's time source. Used by tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Configured reports whether any trusted keys are loaded.
func (v *Verifier) Configured() bool {
	return len(v.trusted) > 0
}

// Verify checks one request. requestURI must be the path including the query
// string exactly as the client signed it; no normalization is applied, by
// design. The header values are passed as received; empty means absent.
func (v *Verifier) Verify(method, requestURI string, body []byte, sigHex, timestamp, pubHex string) Verdict {
	if sigHex == "" || timestamp == "" || pubHex == "" {
		return RejectedMalformed
	}

	if len(v.trusted) == 0 {
		return RejectedNotConfigured
	}

	// Hex decoding normalizes case, so membership is case-insensitive.
	claimed, err := interfaces.NewTrustedKeyFromHex(pubHex)
	if err != nil {
		v.log.Debug("Unparseable public key header", "err", err)
		return RejectedAuthFailure
	}
	if _, ok := v.trusted[claimed]; !ok {
		v.log.Debug("Public key not in trusted set", "key", claimed.String())
		return RejectedAuthFailure
	}

	claimedUnix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return RejectedAuthFailure
	}
	skew := v.now().Unix() - claimedUnix
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(FreshnessWindow/time.Second) {
		v.log.Debug("Request timestamp outside freshness window", "skewSeconds", skew)
		return RejectedAuthFailure
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return RejectedAuthFailure
	}

	msg := CanonicalMessage(method, requestURI, timestamp, body)
	if !ed25519.Verify(ed25519.PublicKey(claimed.Bytes()), msg, sig) {
		v.log.Debug("Signature verification failed", "key", claimed.String())
		return RejectedAuthFailure
	}

	return Authorized
}

// CanonicalMessage builds the byte string both sides sign:
//
//	METHOD + ":" + PATH_WITH_QUERY + ":" + TIMESTAMP + ":" + hex(SHA-256(body))
//
// An absent body hashes the empty byte sequence. The path is used verbatim;
// any mismatch in trailing slashes or query ordering between client and
// server breaks verification intentionally.
func CanonicalMessage(method, requestURI, timestamp string, body []byte) []byte {
	bodyHash := sha256.Sum256(body)
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(requestURI)
	b.WriteByte(':')
	b.WriteString(timestamp)
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(bodyHash[:]))
	return []byte(b.String())
}
