package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cryptmountd/cryptmountd/audit"
	"github.com/cryptmountd/cryptmountd/auth"
	"github.com/cryptmountd/cryptmountd/interfaces"
	"github.com/cryptmountd/cryptmountd/metrics"
	"github.com/cryptmountd/cryptmountd/mount"
	"github.com/cryptmountd/cryptmountd/ratelimit"
	"github.com/cryptmountd/cryptmountd/registry"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// auditLimit caps how many events the audit endpoint returns.
const auditLimit = 100

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

// requestErrorFor maps an orchestration error onto the API taxonomy.
// Validation errors and idempotency conflicts are 400s; everything else is
// an operational fault.
func requestErrorFor(err error) *RequestError {
	switch {
	case errors.Is(err, interfaces.ErrInvalidVolumeName),
		errors.Is(err, interfaces.ErrUnknownVolume),
		errors.Is(err, interfaces.ErrMissingSecret),
		errors.Is(err, interfaces.ErrAlreadyMounted),
		errors.Is(err, interfaces.ErrNotActive):
		return &RequestError{StatusCode: http.StatusBadRequest, Err: err}
	default:
		return &RequestError{StatusCode: http.StatusInternalServerError, Err: err}
	}
}

// Handler processes control API requests. It wires the signature verifier,
// the rate limiter and the mount orchestrator together and records audit
// events along the way.
type Handler struct {
	verifier     *auth.Verifier
	limiter      *ratelimit.Limiter
	guard        *ratelimit.RequestGuard
	orchestrator *mount.Orchestrator
	registry     *registry.Registry
	recorder     audit.Recorder
	auditStore   *audit.Store
	log          *slog.Logger
}

// NewHandler creates a handler with the specified dependencies. auditStore
// may be nil, which disables the audit trail and the audit endpoint.
func NewHandler(verifier *auth.Verifier, limiter *ratelimit.Limiter, guard *ratelimit.RequestGuard, orchestrator *mount.Orchestrator, reg *registry.Registry, auditStore *audit.Store, log *slog.Logger) *Handler {
	var recorder audit.Recorder = audit.NopRecorder{}
	if auditStore != nil {
		recorder = auditStore
	}
	return &Handler{
		verifier:     verifier,
		limiter:      limiter,
		guard:        guard,
		orchestrator: orchestrator,
		registry:     reg,
		recorder:     recorder,
		auditStore:   auditStore,
		log:          log,
	}
}

// HandleHealth serves the unauthenticated health check used by the web
// client.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// HandleList reports every configured volume as mounted or unmounted.
// Authenticated, read-only, not subject to mount-class rate limiting.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	_, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	states := make(map[string]string, h.registry.Len())
	for _, name := range h.registry.Names() {
		states[name.String()] = h.orchestrator.State(name).String()
	}

	writeJSON(w, http.StatusOK, states)
}

// mountRequest is the body of a mount request.
type mountRequest struct {
	Password string `json:"password"`
}

// HandleMount authorizes and dispatches a mount. A 200 response means the
// secret was delivered to the unlock worker; whether the secret actually
// unlocks the volume is only observable through a later list call.
func (h *Handler) HandleMount(w http.ResponseWriter, r *http.Request) {
	clientIP, body, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if !h.admitMountClass(w, clientIP) {
		return
	}

	name, err := interfaces.NewVolumeName(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, "Invalid volume name", http.StatusBadRequest)
		return
	}

	var req mountRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Password == "" {
		http.Error(w, "Missing password", http.StatusBadRequest)
		return
	}

	h.recorder.Record(clientIP, audit.KindMountRequested, name.String(), "")

	if err := h.orchestrator.Mount(r.Context(), name, []byte(req.Password)); err != nil {
		h.mountError(w, clientIP, name, err)
		return
	}

	h.recorder.Record(clientIP, audit.KindSecretDelivered, name.String(), "")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleUnmount authorizes and dispatches an unmount.
func (h *Handler) HandleUnmount(w http.ResponseWriter, r *http.Request) {
	clientIP, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if !h.admitMountClass(w, clientIP) {
		return
	}

	name, err := interfaces.NewVolumeName(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, "Invalid volume name", http.StatusBadRequest)
		return
	}

	h.recorder.Record(clientIP, audit.KindUnmountRequested, name.String(), "")

	if err := h.orchestrator.Unmount(r.Context(), name); err != nil {
		h.mountError(w, clientIP, name, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleAudit returns the most recent audit events.
func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	_, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if h.auditStore == nil {
		http.Error(w, "Auditing disabled", http.StatusNotFound)
		return
	}

	events, err := h.auditStore.Recent(auditLimit)
	if err != nil {
		h.log.Error("Audit query failed", "err", err)
		http.Error(w, "Audit query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// authenticate runs the shared pipeline for authenticated routes: request
// guard, auth-class admission, then signature verification. On failure the
// response has been written and ok is false. The body is returned because
// verification consumes it.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (clientIP string, body []byte, ok bool) {
	clientIP = ratelimit.ClientIP(r)

	if !h.guard.Allow(clientIP) {
		metrics.IncRateLimitDenial()
		h.recorder.Record(clientIP, audit.KindRateLimited, "", "request guard")
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return "", nil, false
	}

	// Admission is checked before the signature is evaluated: a denied
	// client costs no crypto work.
	decision := h.limiter.Admit(clientIP, ratelimit.ClassAuth)
	setRateHeaders(w, decision)
	if !decision.Allowed {
		metrics.IncRateLimitDenial()
		h.recorder.Record(clientIP, audit.KindRateLimited, "", "auth class")
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter(time.Now())))
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return "", nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return "", nil, false
	}

	verdict := h.verifier.Verify(
		r.Method,
		r.URL.RequestURI(),
		body,
		r.Header.Get(auth.SignatureHeader),
		r.Header.Get(auth.TimestampHeader),
		r.Header.Get(auth.PublicKeyHeader),
	)

	switch verdict {
	case auth.Authorized:
		return clientIP, body, true

	case auth.RejectedNotConfigured:
		metrics.IncAuthRejected()
		h.recorder.Record(clientIP, audit.KindAuthRejected, "", "verifier not configured")
		http.Error(w, "Service not configured", http.StatusServiceUnavailable)

	case auth.RejectedMalformed:
		// Missing headers: malformed, not malicious. Not counted.
		metrics.IncAuthRejected()
		h.recorder.Record(clientIP, audit.KindAuthRejected, "", "missing auth headers")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)

	default:
		h.limiter.RecordFailure(clientIP, ratelimit.ClassAuth)
		metrics.IncAuthFailure()
		h.recorder.Record(clientIP, audit.KindAuthFailure, "", "")
		// Same generic response for every failed sub-check.
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return "", nil, false
}

// admitMountClass checks mount-class admission and sets the class's rate
// headers, which supersede the auth-class headers for mount routes.
func (h *Handler) admitMountClass(w http.ResponseWriter, clientIP string) bool {
	decision := h.limiter.Admit(clientIP, ratelimit.ClassMount)
	setRateHeaders(w, decision)
	if decision.Allowed {
		return true
	}

	metrics.IncRateLimitDenial()
	h.recorder.Record(clientIP, audit.KindRateLimited, "", "mount class")
	w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter(time.Now())))
	http.Error(w, "Too many requests", http.StatusTooManyRequests)
	return false
}

// mountError writes the response for a failed mount or unmount and records
// the failure where the policy requires it. Idempotency conflicts and other
// validation errors are not abuse signals and stay uncounted; operational
// faults count against the mount class.
func (h *Handler) mountError(w http.ResponseWriter, clientIP string, name interfaces.VolumeName, err error) {
	re := requestErrorFor(err)
	if re.StatusCode >= http.StatusInternalServerError {
		h.limiter.RecordFailure(clientIP, ratelimit.ClassMount)
		metrics.IncOperationalFault()
		h.recorder.Record(clientIP, audit.KindMountFailed, name.String(), err.Error())
		h.log.Error("Mount operation failed", "volume", name.String(), "err", err)
		http.Error(w, "Mount operation failed", re.StatusCode)
		return
	}
	http.Error(w, re.Error(), re.StatusCode)
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing left to do.
		return
	}
}
