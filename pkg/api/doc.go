// Package api is the REST surface of the control plane. One ServeMux carries
// the user API (iam, compute, network, em, secret, config resources), the
// orchestration endpoints the universal agents talk to and the status
// endpoint they report actuals through.
//
// Every request passes the logging and metrics middleware; everything except
// the health endpoint, the token grant and user registration requires a
// bearer token resolved through iam.Introspect. Writes run the IAM check and
// the mutation inside one storage transaction, so a denied caller can never
// leave partial state behind.
package api
