package snmp

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/bc-dunia/snmpwatch/internal/mib"
)

// Value is a typed managed value. Numeric types keep their number in Num;
// OctetString keeps its bytes in Text.
type Value struct {
	Type mib.DataType
	Num  float64
	Text string
}

func IntegerValue(v int64) Value { return Value{Type: mib.TypeInteger, Num: float64(v)} }
func CounterValue(v uint32) Value { return Value{Type: mib.TypeCounter, Num: float64(v)} }
func GaugeValue(v float64) Value { return Value{Type: mib.TypeGauge, Num: v} }
func TimeTicksValue(v uint32) Value { return Value{Type: mib.TypeTimeTicks, Num: float64(v)} }
func OctetStringValue(s string) Value { return Value{Type: mib.TypeOctetString, Text: s} }

// IsZero reports whether v carries no type.
func (v Value) IsZero() bool {
	return v.Type == 0
}

// Float returns the numeric value. OctetStrings that parse as numbers (such
// as UCD load averages) are converted; other strings report false.
func (v Value) Float() (float64, bool) {
	if v.Type.Numeric() {
		return v.Num, true
	}
	if v.Type == mib.TypeOctetString {
		f, err := strconv.ParseFloat(v.Text, 64)
		return f, err == nil
	}
	return 0, false
}

// Equal compares two values. Numbers compare within 1e-6.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	if v.Type == mib.TypeOctetString {
		return v.Text == o.Text
	}
	return math.Abs(v.Num-o.Num) <= 1e-6
}

// Coerce converts a number to the representable range of typ, as done before
// encoding a sampled value.
func Coerce(typ mib.DataType, f float64) Value {
	switch typ {
	case mib.TypeInteger:
		return Value{Type: typ, Num: math.Round(clampFloat(f, math.MinInt32, math.MaxInt32))}
	case mib.TypeCounter:
		// Counter32 wraps.
		return Value{Type: typ, Num: float64(uint32(uint64(math.Max(f, 0))))}
	case mib.TypeTimeTicks:
		return Value{Type: typ, Num: math.Round(clampFloat(f, 0, math.MaxUint32))}
	case mib.TypeGauge:
		return Value{Type: typ, Num: f}
	default:
		return Value{Type: mib.TypeOctetString, Text: strconv.FormatFloat(f, 'f', -1, 64)}
	}
}

func clampFloat(f, lo, hi float64) float64 {
	return math.Min(math.Max(f, lo), hi)
}

func (v Value) String() string {
	switch v.Type {
	case mib.TypeOctetString:
		return v.Text
	case mib.TypeGauge:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case 0:
		return ""
	default:
		return strconv.FormatInt(int64(v.Num), 10)
	}
}

// MarshalJSON emits numbers as JSON numbers and strings as JSON strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.Type == mib.TypeOctetString:
		return json.Marshal(v.Text)
	case v.Type.Numeric():
		if v.Type != mib.TypeGauge {
			return []byte(strconv.FormatInt(int64(v.Num), 10)), nil
		}
		if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.Num)
	default:
		return []byte("null"), nil
	}
}

// GoString is used by %#v in test failures.
func (v Value) GoString() string {
	return fmt.Sprintf("snmp.Value{%s %s}", v.Type, v.String())
}
