package config

import "time"

// Default configuration constants for agents, polling and the read API
const (
	DefaultCommunity      = "public"
	DefaultHost           = "127.0.0.1"
	DefaultTimeout        = 2 * time.Second
	DefaultRetries        = 1
	DefaultRetryDelay     = 0
	DefaultPollInterval   = 2 * time.Second
	DefaultSystemInterval = 5 * time.Second
	DefaultSampleInterval = 1 * time.Second

	DefaultTranscriptCapacity = 1000

	DefaultWarning    = 80.0
	DefaultCritical   = 100.0
	DefaultHysteresis = 2.0

	DefaultAPIAddr      = ":5000"
	DefaultAPIRateLimit = 50 // requests per second per client
	DefaultAPIBurst     = 100
	DefaultTrapAddr     = "127.0.0.1:1162"

	DefaultEnginePortBase = 1611 // Engine-1; Engine-N listens on base+N-1
	DefaultSystemPort     = 1161

	DefaultInfluxDatabase    = "snmpwatch"
	DefaultInfluxMeasurement = "snmp"
	DefaultAMQPQueue         = "snmpwatch.traps"
)
