/*
Package httpserver exposes the cryptmountd control API.

Every data-plane endpoint requires an Ed25519-signed request; the health and
diagnostic endpoints and the static web client bypass authentication. The
request pipeline for authenticated routes is:

 1. coarse per-IP request guard (token bucket)
 2. auth-class rate-limit admission (denied before the signature is evaluated)
 3. signature verification (failures recorded against the auth class)
 4. for mount/unmount: mount-class rate-limit admission, then orchestration

Endpoints:

	GET  /health           unauthenticated liveness for the web client
	GET  /livez /readyz    process diagnostics
	GET  /drain /undrain   load-balancer draining
	GET  /list             volume name -> "mounted"|"unmounted"
	POST /mount/{name}     body {"password":"..."}; 200 means secret delivered
	POST /unmount/{name}   dispatches worker stop
	GET  /audit            recent audit events, when auditing is enabled

Rate-limit state for the active class is exposed on responses through the
X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset headers, plus
Retry-After on denials. Authentication failures are answered with one generic
message regardless of which sub-check failed.
*/
package httpserver
