package endpoint

import "time"

// Kind identifies a configured endpoint handle
type Kind string

const (
	KindPrimary   Kind = "primary"
	KindStreaming Kind = "streaming"
)

// Health is the state of an endpoint as seen by this process
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthDegraded
	HealthDown
)

// String returns the health label
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthDown:
		return "down"
	default:
		return "unknown"
	}
}

// Available reports whether reads should be attempted against the endpoint
func (h Health) Available() bool {
	return h == HealthHealthy || h == HealthDegraded
}

// Outcome is what a caller observed when using an endpoint
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeRateLimited
)

// String returns the outcome label
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "failure"
	}
}

// Endpoint is the tracked state of one handle
type Endpoint struct {
	Kind                Kind      `json:"kind"`
	Health              Health    `json:"-"`
	HealthLabel         string    `json:"health"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastChecked         time.Time `json:"lastChecked"`

	trialAt time.Time // set while the recovery trial of a down endpoint is outstanding
}

// Handle is a live connection to the remote endpoint
type Handle interface {
	Kind() Kind
	URL() string
	Close()
}
