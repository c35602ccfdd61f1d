package snmp

import (
	"errors"
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/bc-dunia/snmpwatch/internal/mib"
)

// Trap is a threshold notification raised by an agent.
type Trap struct {
	EngineID string
	TrapOID  string
	TrapName string
	Severity string
	// OID and Value identify the monitored object that crossed a band.
	OID       string
	Value     Value
	Timestamp time.Time
	// Uptime is the agent uptime in hundredths of a second.
	Uptime uint32
}

// Varbinds returns the SNMPv2-Trap binding list: sysUpTime, snmpTrapOID, then
// the notification objects and the monitored value.
func (t Trap) Varbinds() ([]gosnmp.SnmpPDU, error) {
	if t.TrapOID == "" {
		return nil, errors.New("snmp: trap has no trap OID")
	}
	vars := []gosnmp.SnmpPDU{
		{Name: wireOID(mib.OIDSysUpTime), Type: gosnmp.TimeTicks, Value: t.Uptime},
		{Name: wireOID(mib.OIDSNMPTrapOID), Type: gosnmp.ObjectIdentifier, Value: wireOID(t.TrapOID)},
		{Name: wireOID(mib.OIDTrapEngineID), Type: gosnmp.OctetString, Value: []byte(t.EngineID)},
		{Name: wireOID(mib.OIDTrapName), Type: gosnmp.OctetString, Value: []byte(t.TrapName)},
		{Name: wireOID(mib.OIDTrapSeverity), Type: gosnmp.OctetString, Value: []byte(t.Severity)},
		{Name: wireOID(mib.OIDTrapTimestamp), Type: gosnmp.OctetString, Value: []byte(t.Timestamp.UTC().Format(time.RFC3339Nano))},
	}
	if t.OID != "" {
		pdu, err := pduFromValue(t.OID, t.Value)
		if err != nil {
			return nil, err
		}
		vars = append(vars, pdu)
	}
	return vars, nil
}

// EncodeTrap encodes t as a v2c SNMPv2-Trap datagram.
func EncodeTrap(community string, requestID uint32, t Trap) ([]byte, error) {
	vars, err := t.Varbinds()
	if err != nil {
		return nil, err
	}
	pkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: community,
		PDUType:   gosnmp.SNMPv2Trap,
		RequestID: requestID,
		Variables: vars,
	}
	return pkt.MarshalMsg()
}

// DecodeTrap decodes a SNMPv2-Trap datagram and returns it with its community.
func DecodeTrap(buf []byte) (Trap, string, error) {
	pkt, err := decodePacket(buf)
	if err != nil {
		return Trap{}, "", err
	}
	t, err := ParseTrap(pkt)
	return t, pkt.Community, err
}

// ParseTrap extracts a Trap from a received packet.
func ParseTrap(pkt *gosnmp.SnmpPacket) (Trap, error) {
	if pkt == nil || pkt.PDUType != gosnmp.SNMPv2Trap {
		return Trap{}, fmt.Errorf("%w: not a v2 trap", ErrMalformedMessage)
	}
	var t Trap
	for _, v := range pkt.Variables {
		oid := mib.NormalizeOID(v.Name)
		switch oid {
		case mib.OIDSysUpTime:
			t.Uptime = uint32(gosnmp.ToBigInt(v.Value).Uint64())
		case mib.OIDSNMPTrapOID:
			s, ok := v.Value.(string)
			if !ok {
				return Trap{}, fmt.Errorf("%w: snmpTrapOID is %T", ErrMalformedMessage, v.Value)
			}
			t.TrapOID = mib.NormalizeOID(s)
		case mib.OIDTrapEngineID:
			t.EngineID = string(toBytes(v.Value))
		case mib.OIDTrapName:
			t.TrapName = string(toBytes(v.Value))
		case mib.OIDTrapSeverity:
			t.Severity = string(toBytes(v.Value))
		case mib.OIDTrapTimestamp:
			ts, err := time.Parse(time.RFC3339Nano, string(toBytes(v.Value)))
			if err != nil {
				return Trap{}, fmt.Errorf("%w: trap timestamp: %v", ErrMalformedMessage, err)
			}
			t.Timestamp = ts
		default:
			val, code, err := valueFromPDU(v)
			if err != nil {
				return Trap{}, err
			}
			if code == CodeNone {
				t.OID, t.Value = oid, val
			}
		}
	}
	if t.TrapOID == "" {
		return Trap{}, fmt.Errorf("%w: trap without snmpTrapOID", ErrMalformedMessage)
	}
	return t, nil
}
