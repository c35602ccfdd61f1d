// Package snmp converts GET requests, responses and traps to and from SNMP v2c
// packets.
package snmp

import (
	"time"
)

// Request is a GET for one or more objects.
type Request struct {
	RequestID uint32
	Community string
	OIDs      []string
}

// Binding is one object of a response. Error is CodeNoSuchObject when the
// agent does not serve the object.
type Binding struct {
	OID   string
	Value Value
	Error ErrorCode
}

// Response answers a Request. Error is set for message level failures such as
// CodeBadCommunity, in which case bindings carry no values.
type Response struct {
	RequestID uint32
	Community string
	Error     ErrorCode
	Reason    string
	Bindings  []Binding
	// Timestamp is the time the served values were sampled.
	Timestamp time.Time
}

// Binding returns the binding for oid.
func (r Response) Binding(oid string) (Binding, bool) {
	for _, b := range r.Bindings {
		if b.OID == oid {
			return b, true
		}
	}
	return Binding{}, false
}

// Err returns the message level error, if any.
func (r Response) Err() error {
	return r.Error.Err()
}
