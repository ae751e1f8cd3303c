// Package client is the agent-side control-plane client: password-grant
// login with a cached bearer token, target fetch from the orchestration API
// and bulk actual reports to the status API. Idempotent calls retry on
// Transient failures with capped exponential backoff.
package client
