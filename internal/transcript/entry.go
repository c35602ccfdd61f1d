// Package transcript keeps a bounded, per-engine record of every SNMP message
// the system sends, receives or rejects.
package transcript

import (
	"time"

	"github.com/bc-dunia/snmpwatch/internal/snmp"
)

// MessageType is the kind of recorded message.
type MessageType string

const (
	MessageGetRequest  MessageType = "GET_REQUEST"
	MessageGetResponse MessageType = "GET_RESPONSE"
	MessageTrap        MessageType = "TRAP"
	MessageError       MessageType = "ERROR"
)

// Origin is the component that recorded an entry.
type Origin string

const (
	OriginAgent    Origin = "agent"
	OriginManager  Origin = "manager"
	OriginReceiver Origin = "receiver"
)

// Varbind is one object carried by a message.
type Varbind struct {
	OID      string     `json:"oid"`
	Name     string     `json:"name,omitempty"`
	Value    snmp.Value `json:"value"`
	DataType string     `json:"data_type,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Entry is one transcript record. OID, MIBName, Value and DataType describe
// the first binding; Varbinds carries all of them.
type Entry struct {
	Seq         uint64      `json:"seq"`
	Timestamp   time.Time   `json:"timestamp"`
	EngineID    string      `json:"engine_id"`
	MessageType MessageType `json:"message_type"`
	Origin      Origin      `json:"origin"`
	RequestID   uint32      `json:"request_id,omitempty"`
	Community   string      `json:"community,omitempty"`
	Port        int         `json:"port,omitempty"`
	OID         string      `json:"oid,omitempty"`
	MIBName     string      `json:"mib_name,omitempty"`
	Value       snmp.Value  `json:"value"`
	DataType    string      `json:"data_type,omitempty"`
	Access      string      `json:"access,omitempty"`
	Severity    string      `json:"severity,omitempty"`
	Error       string      `json:"error,omitempty"`
	Varbinds    []Varbind   `json:"varbinds,omitempty"`
}

// WithVarbinds sets Varbinds and copies the first one into the summary fields.
func (e Entry) WithVarbinds(vbs []Varbind) Entry {
	e.Varbinds = vbs
	if len(vbs) > 0 {
		first := vbs[0]
		e.OID = first.OID
		e.MIBName = first.Name
		e.Value = first.Value
		e.DataType = first.DataType
	}
	return e
}
