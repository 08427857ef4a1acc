// Package api provides a retrying JSON client for public exchange REST endpoints.
//
// Requests carry no credentials. 5xx and 429 responses are retried with
// jittered exponential backoff, waiting at least as long as Retry-After asks;
// other 4xx responses fail immediately. Failures are *APIError values with the
// exchange's error code and message when the body carries them.
package api
