package errors

import "errors"

// Reconciliation errors.
var (
	// ErrSyncInProgress is returned when a reconcile pass is requested
	// while another is still running. The request is rejected, not queued.
	ErrSyncInProgress = errors.New("sync pass already in progress")

	// ErrListingFailed aborts a pass before any per-file work: without a
	// full snapshot of either side the plan cannot be computed safely.
	ErrListingFailed = errors.New("listing snapshot failed")
)

// Transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
