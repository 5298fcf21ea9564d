package provider

import (
	"net/http"
	"time"
)

// Options carries deployment overrides for the provider layer: alternate
// token and API endpoints for tests or private-cloud installs, the metadata
// fan-out bound, and the per-message fetch budget. Zero values keep the
// public endpoints and built-in defaults.
type Options struct {
	TokenEndpoint string
	APIBaseURL    string
	HTTPClient    *http.Client

	FetchConcurrency int
	FetchTimeout     time.Duration
}

const (
	defaultFetchConcurrency = 10
	defaultFetchTimeout     = 15 * time.Second
)
