/*
Package errdefs defines the error taxonomy shared by every Genesis Core
subsystem.

Each error carries exactly one Kind. Kinds drive two orthogonal decisions:

  - Retry policy: only Transient errors are retried (agent driver calls,
    outbound HTTP, outbox delivery). Permanent moves the affected target to
    ERROR with a durable reason; Validation, PermissionDenied and Conflict
    never retry.
  - HTTP mapping: Validation=400, AuthRequired=401, PermissionDenied=403,
    NotFound=404, Conflict=409, Transient=503, Permanent=500. The wire type
    string is the kind name suffixed with "Exception"
    (e.g. "PermissionDeniedException").

Usage:

	if err := store.Update(ctx, node); errdefs.IsConflict(err) {
		// stale version, re-read and retry at the caller's discretion
	}

	return errdefs.Validationf("subnet %s: cidr is immutable", subnet.UUID)

Classification survives wrapping: errors.Is works anywhere in the chain,
and KindOf defaults to Permanent for foreign errors so unknown failures
are never silently retried.
*/
package errdefs
