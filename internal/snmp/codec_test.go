package snmp

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/snmpwatch/internal/mib"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		RequestID: 42,
		Community: "public",
		OIDs:      []string{mib.OIDEngineTemperature, "." + mib.OIDEngineRPM},
	}
	buf, err := EncodeRequest(req)
	require.NoError(t, err)

	got, err := DecodeRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), got.RequestID)
	assert.Equal(t, "public", got.Community)
	assert.Equal(t, []string{mib.OIDEngineTemperature, mib.OIDEngineRPM}, got.OIDs)
}

func TestEncodeRequestWithoutOIDs(t *testing.T) {
	_, err := EncodeRequest(Request{RequestID: 1, Community: "public"})
	assert.Error(t, err)
}

func TestResponseRoundTripAllTypes(t *testing.T) {
	sampled := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)
	resp := Response{
		RequestID: 7,
		Community: "public",
		Timestamp: sampled,
		Bindings: []Binding{
			{OID: "1.3.6.1.4.1.1.1.0", Value: IntegerValue(-17)},
			{OID: "1.3.6.1.4.1.1.2.0", Value: CounterValue(math.MaxUint32)},
			{OID: "1.3.6.1.4.1.1.3.0", Value: GaugeValue(1500)},
			{OID: "1.3.6.1.4.1.1.4.0", Value: GaugeValue(47.123456789)},
			{OID: "1.3.6.1.4.1.1.5.0", Value: GaugeValue(-3.5)},
			{OID: "1.3.6.1.4.1.1.6.0", Value: TimeTicksValue(123456)},
			{OID: "1.3.6.1.4.1.1.7.0", Value: OctetStringValue("Engine-1 °C")},
			{OID: "1.3.6.1.4.1.1.8.0", Value: OctetStringValue("")},
		},
	}

	buf, err := EncodeResponse(resp)
	require.NoError(t, err)

	got, err := DecodeResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, resp.RequestID, got.RequestID)
	assert.Equal(t, CodeNone, got.Error)
	assert.True(t, sampled.Equal(got.Timestamp), "timestamp %v", got.Timestamp)
	require.Len(t, got.Bindings, len(resp.Bindings))

	for i, want := range resp.Bindings {
		b := got.Bindings[i]
		assert.Equal(t, want.OID, b.OID)
		assert.Equal(t, CodeNone, b.Error)
		assert.True(t, want.Value.Equal(b.Value), "binding %s: want %#v got %#v", want.OID, want.Value, b.Value)
	}
}

func TestResponseNoSuchObject(t *testing.T) {
	resp := Response{
		RequestID: 9,
		Community: "public",
		Bindings: []Binding{
			{OID: mib.OIDEngineTemperature, Value: GaugeValue(45)},
			{OID: "1.3.6.1.4.1.9999.1.1.99.0", Error: CodeNoSuchObject},
		},
	}
	buf, err := EncodeResponse(resp)
	require.NoError(t, err)

	got, err := DecodeResponse(buf)
	require.NoError(t, err)
	require.Len(t, got.Bindings, 2)
	assert.Equal(t, CodeNone, got.Bindings[0].Error)
	assert.Equal(t, CodeNoSuchObject, got.Bindings[1].Error)
	assert.True(t, got.Timestamp.IsZero())
}

func TestResponseBadCommunity(t *testing.T) {
	resp := Response{
		RequestID: 11,
		Community: "wrong",
		Error:     CodeBadCommunity,
		Bindings:  []Binding{{OID: mib.OIDEngineTemperature}},
		Timestamp: time.Now(),
	}
	buf, err := EncodeResponse(resp)
	require.NoError(t, err)

	got, err := DecodeResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), got.RequestID)
	assert.Equal(t, CodeBadCommunity, got.Error)
	assert.Equal(t, "bad community", got.Reason)
	assert.ErrorIs(t, got.Err(), ErrBadCommunity)
	require.Len(t, got.Bindings, 1)
	assert.True(t, got.Bindings[0].Value.IsZero())
}

func TestDecodeMalformed(t *testing.T) {
	tests := map[string][]byte{
		"empty":     {},
		"garbage":   []byte("definitely not BER"),
		"truncated": {0x30, 0x82, 0x01},
	}
	for name, buf := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeResponse(buf)
			assert.ErrorIs(t, err, ErrMalformedMessage)
			_, err = DecodeRequest(buf)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestDecodeWrongPDUType(t *testing.T) {
	buf, err := EncodeRequest(Request{RequestID: 1, Community: "public", OIDs: []string{mib.OIDEngineRPM}})
	require.NoError(t, err)

	_, err = DecodeResponse(buf)
	assert.ErrorIs(t, err, ErrMalformedMessage)

	resp, err := EncodeResponse(Response{RequestID: 1, Community: "public"})
	require.NoError(t, err)
	_, err = DecodeRequest(resp)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestTrapRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	trap := Trap{
		EngineID:  "Engine-1",
		TrapOID:   mib.OIDTrapCritical,
		TrapName:  "engineThresholdCritical",
		Severity:  "critical",
		OID:       mib.OIDEngineTemperature,
		Value:     GaugeValue(104.25),
		Timestamp: ts,
		Uptime:    9000,
	}
	buf, err := EncodeTrap("public", 5, trap)
	require.NoError(t, err)

	got, community, err := DecodeTrap(buf)
	require.NoError(t, err)
	assert.Equal(t, "public", community)
	assert.Equal(t, trap.EngineID, got.EngineID)
	assert.Equal(t, trap.TrapOID, got.TrapOID)
	assert.Equal(t, trap.TrapName, got.TrapName)
	assert.Equal(t, trap.Severity, got.Severity)
	assert.Equal(t, trap.OID, got.OID)
	assert.True(t, trap.Value.Equal(got.Value))
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, uint32(9000), got.Uptime)
}

func TestTrapRequiresTrapOID(t *testing.T) {
	_, err := EncodeTrap("public", 1, Trap{EngineID: "Engine-1"})
	assert.Error(t, err)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeNone, CodeOf(nil))
	assert.Equal(t, CodeTimeout, CodeOf(ErrTimeout))
	assert.Equal(t, CodeBadCommunity, CodeOf(CodeBadCommunity.Err()))
	assert.Equal(t, CodeGenErr, CodeOf(assert.AnError))
	assert.Equal(t, "no_such_object", CodeNoSuchObject.String())
}

func TestValueJSON(t *testing.T) {
	b, err := json.Marshal(map[string]Value{
		"g": GaugeValue(12.5),
		"i": IntegerValue(1),
		"s": OctetStringValue("up"),
		"z": {},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"g":12.5,"i":1,"s":"up","z":null}`, string(b))
}

func TestCoerce(t *testing.T) {
	assert.Equal(t, 3.0, Coerce(mib.TypeInteger, 2.6).Num)
	assert.Equal(t, float64(uint32(1)), Coerce(mib.TypeCounter, float64(math.MaxUint32)+2).Num)
	assert.Equal(t, 0.0, Coerce(mib.TypeTimeTicks, -5).Num)
	assert.Equal(t, 2.5, Coerce(mib.TypeGauge, 2.5).Num)
	assert.Equal(t, "2.5", Coerce(mib.TypeOctetString, 2.5).Text)
}
