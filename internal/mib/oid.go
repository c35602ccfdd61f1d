package mib

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeOID strips surrounding whitespace and a leading dot.
func NormalizeOID(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), ".")
}

// ParseOID parses a dotted-numeric OID (e.g. "1.3.6.1.2.1") into its arcs.
// A leading dot is accepted.
func ParseOID(s string) ([]uint32, error) {
	s = NormalizeOID(s)
	if s == "" {
		return nil, fmt.Errorf("empty OID")
	}
	parts := strings.Split(s, ".")
	arcs := make([]uint32, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("empty arc in OID: %s", s)
		}
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid arc %q in OID: %s", p, s)
		}
		arcs = append(arcs, uint32(v))
	}
	if len(arcs) < 2 {
		return nil, fmt.Errorf("OID needs at least two arcs: %s", s)
	}
	return arcs, nil
}

// ValidOID reports whether s parses as an OID.
func ValidOID(s string) bool {
	_, err := ParseOID(s)
	return err == nil
}

// CompareOIDs orders OIDs arc by arc, so 1.3.6.1.2 sorts before 1.3.6.1.10.
// Unparsable OIDs fall back to string order.
func CompareOIDs(a, b string) int {
	aa, errA := ParseOID(a)
	bb, errB := ParseOID(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	for i := 0; i < len(aa) && i < len(bb); i++ {
		if aa[i] != bb[i] {
			if aa[i] < bb[i] {
				return -1
			}
			return 1
		}
	}
	return len(aa) - len(bb)
}

// HasPrefix reports whether oid lies in the subtree rooted at prefix.
func HasPrefix(oid, prefix string) bool {
	oid, prefix = NormalizeOID(oid), NormalizeOID(prefix)
	if prefix == "" {
		return true
	}
	return oid == prefix || strings.HasPrefix(oid, prefix+".")
}
