// Package mib holds the static table of managed objects served by agents and
// interpreted by the manager.
package mib

import (
	"fmt"
	"strings"
)

// DataType is the SMI syntax of a managed object.
type DataType int

const (
	TypeInteger DataType = iota + 1
	TypeCounter
	TypeGauge
	TypeTimeTicks
	TypeOctetString
)

func (t DataType) String() string {
	switch t {
	case TypeInteger:
		return "Integer"
	case TypeCounter:
		return "Counter"
	case TypeGauge:
		return "Gauge"
	case TypeTimeTicks:
		return "TimeTicks"
	case TypeOctetString:
		return "OctetString"
	default:
		return fmt.Sprintf("DataType(%d)", int(t))
	}
}

// Numeric reports whether values of this type carry a number.
func (t DataType) Numeric() bool {
	return t >= TypeInteger && t <= TypeTimeTicks
}

// ParseDataType accepts the type names used in table files. SMI spellings such
// as Integer32, Counter32, Gauge32 and DisplayString are accepted too.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "integer", "integer32":
		return TypeInteger, nil
	case "counter", "counter32":
		return TypeCounter, nil
	case "gauge", "gauge32", "unsigned32":
		return TypeGauge, nil
	case "timeticks":
		return TypeTimeTicks, nil
	case "octetstring", "octet string", "displaystring":
		return TypeOctetString, nil
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

func (t DataType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *DataType) UnmarshalText(b []byte) error {
	v, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Access is the MAX-ACCESS of a managed object.
type Access int

const (
	AccessReadOnly Access = iota + 1
	AccessReadWrite
	AccessAccessibleForNotify // only carried in notifications
)

func (a Access) String() string {
	switch a {
	case AccessReadOnly:
		return "read-only"
	case AccessReadWrite:
		return "read-write"
	case AccessAccessibleForNotify:
		return "accessible-for-notify"
	default:
		return fmt.Sprintf("Access(%d)", int(a))
	}
}

// Readable reports whether a GET may return the object.
func (a Access) Readable() bool {
	return a == AccessReadOnly || a == AccessReadWrite
}

// ParseAccess parses the MAX-ACCESS spelling used in table files.
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read-only", "readonly":
		return AccessReadOnly, nil
	case "read-write", "readwrite":
		return AccessReadWrite, nil
	case "accessible-for-notify", "notify":
		return AccessAccessibleForNotify, nil
	}
	return 0, fmt.Errorf("unknown access %q", s)
}

func (a Access) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Access) UnmarshalText(b []byte) error {
	v, err := ParseAccess(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Bounds is the physically valid range of a numeric object.
type Bounds struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Clamp limits v to [Min, Max].
func (b Bounds) Clamp(v float64) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// Contains reports whether v lies within the bounds.
func (b Bounds) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Entry describes one managed object.
type Entry struct {
	OID         string   `json:"oid"`
	Name        string   `json:"name"`
	Type        DataType `json:"data_type"`
	Units       string   `json:"units,omitempty"`
	Access      Access   `json:"access"`
	Description string   `json:"description,omitempty"`

	// Bounds is nil for objects without a physical range.
	Bounds *Bounds `json:"bounds,omitempty"`

	// MaxDelta bounds the change between two consecutive samples. Zero means
	// unlimited.
	MaxDelta float64 `json:"max_delta,omitempty"`
}

// Clamp applies the entry's bounds, if any.
func (e Entry) Clamp(v float64) float64 {
	if e.Bounds == nil {
		return v
	}
	return e.Bounds.Clamp(v)
}

// Limit moves next toward prev by at most MaxDelta, then clamps.
func (e Entry) Limit(prev, next float64) float64 {
	if e.MaxDelta > 0 {
		if next > prev+e.MaxDelta {
			next = prev + e.MaxDelta
		} else if next < prev-e.MaxDelta {
			next = prev - e.MaxDelta
		}
	}
	return e.Clamp(next)
}
