package snmp

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/bc-dunia/snmpwatch/internal/mib"
)

// MaxMessageSize is the largest datagram read from the wire.
const MaxMessageSize = 65535

const reasonBadCommunity = "bad community"

// EncodeRequest encodes req as a v2c GetRequest.
func EncodeRequest(req Request) ([]byte, error) {
	if len(req.OIDs) == 0 {
		return nil, errors.New("snmp: request has no OIDs")
	}
	vars := make([]gosnmp.SnmpPDU, len(req.OIDs))
	for i, oid := range req.OIDs {
		vars[i] = gosnmp.SnmpPDU{Name: wireOID(oid), Type: gosnmp.Null}
	}
	pkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: req.Community,
		PDUType:   gosnmp.GetRequest,
		RequestID: req.RequestID,
		Variables: vars,
	}
	return pkt.MarshalMsg()
}

// EncodeResponse encodes resp as a v2c GetResponse. A bad community travels as
// error-status noSuchName with index 0. A non-zero Timestamp is appended as an
// agentSampleTime binding.
func EncodeResponse(resp Response) ([]byte, error) {
	vars := make([]gosnmp.SnmpPDU, 0, len(resp.Bindings)+1)
	for _, b := range resp.Bindings {
		switch {
		case resp.Error != CodeNone:
			vars = append(vars, gosnmp.SnmpPDU{Name: wireOID(b.OID), Type: gosnmp.Null})
		case b.Error == CodeNoSuchObject:
			vars = append(vars, gosnmp.SnmpPDU{Name: wireOID(b.OID), Type: gosnmp.NoSuchObject})
		default:
			pdu, err := pduFromValue(b.OID, b.Value)
			if err != nil {
				return nil, err
			}
			vars = append(vars, pdu)
		}
	}
	if resp.Error == CodeNone && !resp.Timestamp.IsZero() {
		vars = append(vars, gosnmp.SnmpPDU{
			Name:  wireOID(mib.OIDAgentSampleTime),
			Type:  gosnmp.OctetString,
			Value: []byte(resp.Timestamp.UTC().Format(time.RFC3339Nano)),
		})
	}

	pkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: resp.Community,
		PDUType:   gosnmp.GetResponse,
		RequestID: resp.RequestID,
		Variables: vars,
	}
	switch resp.Error {
	case CodeNone:
	case CodeBadCommunity:
		pkt.Error = gosnmp.NoSuchName
	default:
		pkt.Error = gosnmp.GenErr
	}
	return pkt.MarshalMsg()
}

// DecodeRequest decodes a GetRequest datagram. Anything else yields
// ErrMalformedMessage.
func DecodeRequest(buf []byte) (Request, error) {
	pkt, err := decodePacket(buf)
	if err != nil {
		return Request{}, err
	}
	if pkt.PDUType != gosnmp.GetRequest {
		return Request{}, fmt.Errorf("%w: unexpected PDU type %s", ErrMalformedMessage, pkt.PDUType)
	}
	if len(pkt.Variables) == 0 {
		return Request{}, fmt.Errorf("%w: GET without bindings", ErrMalformedMessage)
	}
	req := Request{
		RequestID: pkt.RequestID,
		Community: pkt.Community,
		OIDs:      make([]string, len(pkt.Variables)),
	}
	for i, v := range pkt.Variables {
		req.OIDs[i] = mib.NormalizeOID(v.Name)
	}
	return req, nil
}

// DecodeResponse decodes a GetResponse datagram.
func DecodeResponse(buf []byte) (Response, error) {
	pkt, err := decodePacket(buf)
	if err != nil {
		return Response{}, err
	}
	if pkt.PDUType != gosnmp.GetResponse {
		return Response{}, fmt.Errorf("%w: unexpected PDU type %s", ErrMalformedMessage, pkt.PDUType)
	}
	resp := Response{
		RequestID: pkt.RequestID,
		Community: pkt.Community,
	}
	switch pkt.Error {
	case gosnmp.NoError:
	case gosnmp.NoSuchName:
		resp.Error = CodeBadCommunity
		resp.Reason = reasonBadCommunity
	default:
		resp.Error = CodeGenErr
		resp.Reason = pkt.Error.String()
	}

	for _, v := range pkt.Variables {
		oid := mib.NormalizeOID(v.Name)
		if oid == mib.OIDAgentSampleTime && v.Type == gosnmp.OctetString {
			if ts, err := time.Parse(time.RFC3339Nano, string(toBytes(v.Value))); err == nil {
				resp.Timestamp = ts
				continue
			}
		}
		b := Binding{OID: oid}
		if resp.Error == CodeNone {
			b.Value, b.Error, err = valueFromPDU(v)
			if err != nil {
				return Response{}, err
			}
		}
		resp.Bindings = append(resp.Bindings, b)
	}
	return resp, nil
}

func decodePacket(buf []byte) (pkt *gosnmp.SnmpPacket, err error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformedMessage)
	}
	defer func() {
		if r := recover(); r != nil {
			pkt, err = nil, fmt.Errorf("%w: %v", ErrMalformedMessage, r)
		}
	}()
	decoder := &gosnmp.GoSNMP{Version: gosnmp.Version2c}
	pkt, err = decoder.SnmpDecodePacket(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if pkt.Version != gosnmp.Version2c {
		return nil, fmt.Errorf("%w: unsupported version %s", ErrMalformedMessage, pkt.Version)
	}
	return pkt, nil
}

func pduFromValue(oid string, v Value) (gosnmp.SnmpPDU, error) {
	pdu := gosnmp.SnmpPDU{Name: wireOID(oid)}
	switch v.Type {
	case mib.TypeInteger:
		pdu.Type, pdu.Value = gosnmp.Integer, int(v.Num)
	case mib.TypeCounter:
		pdu.Type, pdu.Value = gosnmp.Counter32, uint32(v.Num)
	case mib.TypeTimeTicks:
		pdu.Type, pdu.Value = gosnmp.TimeTicks, uint32(v.Num)
	case mib.TypeGauge:
		if v.Num >= 0 && v.Num <= math.MaxUint32 && v.Num == math.Trunc(v.Num) {
			pdu.Type, pdu.Value = gosnmp.Gauge32, uint32(v.Num)
		} else {
			// Fractional readings keep their precision as an Opaque double.
			pdu.Type, pdu.Value = gosnmp.OpaqueDouble, v.Num
		}
	case mib.TypeOctetString:
		pdu.Type, pdu.Value = gosnmp.OctetString, []byte(v.Text)
	default:
		return pdu, fmt.Errorf("snmp: %s has no value type", oid)
	}
	return pdu, nil
}

func valueFromPDU(pdu gosnmp.SnmpPDU) (Value, ErrorCode, error) {
	switch pdu.Type {
	case gosnmp.Integer:
		return IntegerValue(gosnmp.ToBigInt(pdu.Value).Int64()), CodeNone, nil
	case gosnmp.Counter32:
		return CounterValue(uint32(gosnmp.ToBigInt(pdu.Value).Uint64())), CodeNone, nil
	case gosnmp.Gauge32, gosnmp.Uinteger32:
		return GaugeValue(float64(gosnmp.ToBigInt(pdu.Value).Uint64())), CodeNone, nil
	case gosnmp.TimeTicks:
		return TimeTicksValue(uint32(gosnmp.ToBigInt(pdu.Value).Uint64())), CodeNone, nil
	case gosnmp.OpaqueDouble:
		f, ok := pdu.Value.(float64)
		if !ok {
			return Value{}, CodeNone, fmt.Errorf("%w: opaque double %T", ErrMalformedMessage, pdu.Value)
		}
		return GaugeValue(f), CodeNone, nil
	case gosnmp.OpaqueFloat:
		f, ok := pdu.Value.(float32)
		if !ok {
			return Value{}, CodeNone, fmt.Errorf("%w: opaque float %T", ErrMalformedMessage, pdu.Value)
		}
		return GaugeValue(float64(f)), CodeNone, nil
	case gosnmp.OctetString:
		return OctetStringValue(string(toBytes(pdu.Value))), CodeNone, nil
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
		return Value{}, CodeNoSuchObject, nil
	default:
		return Value{}, CodeNone, fmt.Errorf("%w: unsupported value type %s for %s", ErrMalformedMessage, pdu.Type, pdu.Name)
	}
}

func toBytes(v interface{}) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}

func wireOID(oid string) string {
	return "." + mib.NormalizeOID(oid)
}
