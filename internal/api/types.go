package api

import (
	"context"
	"time"

	"github.com/bc-dunia/snmpwatch/internal/manager"
	"github.com/bc-dunia/snmpwatch/internal/metrics"
	"github.com/bc-dunia/snmpwatch/internal/mib"
	"github.com/bc-dunia/snmpwatch/internal/transcript"
)

// Error codes returned in ErrorResponse.ErrorCode.
const (
	ErrorCodeNotFound          = "NOT_FOUND"
	ErrorCodeInvalidParameter  = "INVALID_PARAMETER"
	ErrorCodeNotConfigured     = "NOT_CONFIGURED"
	ErrorCodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	ErrorCodeStreamUnsupported = "STREAM_UNSUPPORTED"
	ErrorCodeInternal          = "INTERNAL"
)

// Response is the success envelope of every /api endpoint except health.
type Response struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the failure envelope.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// MessagesResponse is the transcript of one engine.
type MessagesResponse struct {
	EngineID string             `json:"engine_id"`
	Total    int                `json:"total"`
	Dropped  uint64             `json:"dropped"`
	Capacity int                `json:"capacity"`
	Entries  []transcript.Entry `json:"entries"`
}

// MIBResponse lists registry entries.
type MIBResponse struct {
	Prefix  string      `json:"prefix,omitempty"`
	Count   int         `json:"count"`
	Entries []mib.Entry `json:"entries"`
}

// ReachabilityResponse reports link state per engine.
type ReachabilityResponse struct {
	Engines []metrics.EngineReachability `json:"engines"`
	Events  []metrics.LinkEvent          `json:"events"`
}

// SnapshotSource is a poller whose latest results the API serves.
type SnapshotSource interface {
	LatestSnapshot() (*manager.Snapshot, error)
	Targets() []manager.Target
	State() manager.State
}

// Poller runs one poll cycle on demand.
type Poller interface {
	PollOnce(ctx context.Context) (*manager.Snapshot, error)
}
