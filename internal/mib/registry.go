package mib

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Lookup for OIDs absent from the registry.
var ErrNotFound = errors.New("mib: object not found")

// Well-known object identifiers.
const (
	OIDAgentSampleTime   = "1.3.6.1.4.1.9999.1.0.1.0"
	OIDEngineTemperature = "1.3.6.1.4.1.9999.1.1.1.0"
	OIDEngineRPM         = "1.3.6.1.4.1.9999.1.1.2.0"
	OIDEngineCurrent     = "1.3.6.1.4.1.9999.1.1.3.0"
	OIDEnginePower       = "1.3.6.1.4.1.9999.1.1.4.0"
	OIDEngineStatus      = "1.3.6.1.4.1.9999.1.1.5.0"
	OIDEngineUptime      = "1.3.6.1.4.1.9999.1.1.6.0"

	OIDTrapWarning  = "1.3.6.1.4.1.9999.1.2.1"
	OIDTrapCritical = "1.3.6.1.4.1.9999.1.2.2"

	OIDTrapEngineID  = "1.3.6.1.4.1.9999.1.3.1.0"
	OIDTrapName      = "1.3.6.1.4.1.9999.1.3.2.0"
	OIDTrapSeverity  = "1.3.6.1.4.1.9999.1.3.3.0"
	OIDTrapTimestamp = "1.3.6.1.4.1.9999.1.3.4.0"

	OIDSysDescr         = "1.3.6.1.2.1.1.1.0"
	OIDSysUpTime        = "1.3.6.1.2.1.1.3.0"
	OIDSysName          = "1.3.6.1.2.1.1.5.0"
	OIDIfInOctets       = "1.3.6.1.2.1.2.2.1.10.1"
	OIDIfOutOctets      = "1.3.6.1.2.1.2.2.1.16.1"
	OIDHrSystemUptime   = "1.3.6.1.2.1.25.1.1.0"
	OIDHrSystemProcs    = "1.3.6.1.2.1.25.1.6.0"
	OIDHrMemorySize     = "1.3.6.1.2.1.25.2.2.0"
	OIDHrDiskSize       = "1.3.6.1.2.1.25.2.3.1.5.2"
	OIDHrDiskUsed       = "1.3.6.1.2.1.25.2.3.1.6.2"
	OIDHrProcessorLoad  = "1.3.6.1.2.1.25.3.3.1.2.1"
	OIDMemTotalReal     = "1.3.6.1.4.1.2021.4.5.0"
	OIDMemAvailReal     = "1.3.6.1.4.1.2021.4.6.0"
	OIDLaLoad1          = "1.3.6.1.4.1.2021.10.1.3.1"
	OIDLaLoad5          = "1.3.6.1.4.1.2021.10.1.3.2"
	OIDLaLoad15         = "1.3.6.1.4.1.2021.10.1.3.3"
	OIDSsCPUUser        = "1.3.6.1.4.1.2021.11.9.0"
	OIDSNMPTrapOID      = "1.3.6.1.6.3.1.1.4.1.0"
	OIDEngineSubtree    = "1.3.6.1.4.1.9999.1.1"
	OIDEngineTrapPrefix = "1.3.6.1.4.1.9999.1.2"
)

// Values of engineStatus.
const (
	EngineStatusRunning = 1
	EngineStatusStopped = 2
	EngineStatusFault   = 3
)

// EngineOIDs are the objects polled for every engine.
var EngineOIDs = []string{
	OIDEngineTemperature,
	OIDEngineRPM,
	OIDEngineCurrent,
	OIDEnginePower,
	OIDEngineStatus,
	OIDEngineUptime,
}

// SystemOIDs are the objects polled for the host system agent.
var SystemOIDs = []string{
	OIDSysDescr,
	OIDSysUpTime,
	OIDSysName,
	OIDIfInOctets,
	OIDIfOutOctets,
	OIDHrSystemUptime,
	OIDHrSystemProcs,
	OIDHrMemorySize,
	OIDHrDiskSize,
	OIDHrDiskUsed,
	OIDHrProcessorLoad,
	OIDMemTotalReal,
	OIDMemAvailReal,
	OIDLaLoad1,
	OIDLaLoad5,
	OIDLaLoad15,
	OIDSsCPUUser,
}

// Registry is an immutable OID table. It is safe for concurrent use.
type Registry struct {
	byOID  map[string]Entry
	byName map[string]string
	sorted []Entry
}

// New builds a registry from entries. OIDs must be unique and well formed.
func New(entries ...Entry) (*Registry, error) {
	r := &Registry{
		byOID:  make(map[string]Entry, len(entries)),
		byName: make(map[string]string, len(entries)),
	}
	for _, e := range entries {
		e.OID = NormalizeOID(e.OID)
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		if _, dup := r.byOID[e.OID]; dup {
			return nil, fmt.Errorf("mib: duplicate OID %s", e.OID)
		}
		r.byOID[e.OID] = e
		r.byName[e.Name] = e.OID
		r.sorted = append(r.sorted, e)
	}
	slices.SortFunc(r.sorted, func(a, b Entry) int { return CompareOIDs(a.OID, b.OID) })
	return r, nil
}

func validateEntry(e Entry) error {
	if !ValidOID(e.OID) {
		return fmt.Errorf("mib: invalid OID %q", e.OID)
	}
	if e.Name == "" {
		return fmt.Errorf("mib: %s has no name", e.OID)
	}
	if e.Type < TypeInteger || e.Type > TypeOctetString {
		return fmt.Errorf("mib: %s (%s) has unknown type", e.OID, e.Name)
	}
	if e.Access < AccessReadOnly || e.Access > AccessAccessibleForNotify {
		return fmt.Errorf("mib: %s (%s) has unknown access", e.OID, e.Name)
	}
	if e.Bounds != nil {
		if !e.Type.Numeric() {
			return fmt.Errorf("mib: %s (%s) has bounds on a non-numeric type", e.OID, e.Name)
		}
		if e.Bounds.Min > e.Bounds.Max {
			return fmt.Errorf("mib: %s (%s) has min > max", e.OID, e.Name)
		}
	}
	return nil
}

// Lookup returns the entry registered under oid.
func (r *Registry) Lookup(oid string) (Entry, error) {
	e, ok := r.byOID[NormalizeOID(oid)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, oid)
	}
	return e, nil
}

// LookupName resolves an object name such as "engineTemperature".
func (r *Registry) LookupName(name string) (Entry, error) {
	oid, ok := r.byName[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.byOID[oid], nil
}

// Entries returns all entries in OID order.
func (r *Registry) Entries() []Entry {
	return slices.Clone(r.sorted)
}

// Subtree returns the entries under prefix in OID order.
func (r *Registry) Subtree(prefix string) []Entry {
	var out []Entry
	for _, e := range r.sorted {
		if HasPrefix(e.OID, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.sorted)
}

//go:embed tables/*.yaml
var tables embed.FS

type tableFile struct {
	Objects []tableObject `yaml:"objects"`
}

type tableObject struct {
	OID         string  `yaml:"oid"`
	Name        string  `yaml:"name"`
	Type        string  `yaml:"type"`
	Units       string  `yaml:"units"`
	Access      string  `yaml:"access"`
	Description string  `yaml:"description"`
	Bounds      *Bounds `yaml:"bounds"`
	MaxDelta    float64 `yaml:"max_delta"`
}

func decodeTable(r io.Reader) ([]Entry, error) {
	var tf tableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return nil, fmt.Errorf("mib: decode table: %w", err)
	}
	entries := make([]Entry, 0, len(tf.Objects))
	for _, o := range tf.Objects {
		typ, err := ParseDataType(o.Type)
		if err != nil {
			return nil, fmt.Errorf("mib: %s: %w", o.OID, err)
		}
		access, err := ParseAccess(o.Access)
		if err != nil {
			return nil, fmt.Errorf("mib: %s: %w", o.OID, err)
		}
		entries = append(entries, Entry{
			OID:         o.OID,
			Name:        o.Name,
			Type:        typ,
			Units:       o.Units,
			Access:      access,
			Description: o.Description,
			Bounds:      o.Bounds,
			MaxDelta:    o.MaxDelta,
		})
	}
	return entries, nil
}

// Load reads one table file and builds a registry from it.
func Load(r io.Reader) (*Registry, error) {
	entries, err := decodeTable(r)
	if err != nil {
		return nil, err
	}
	return New(entries...)
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default returns the registry built from the embedded engine and system
// tables. It is loaded once.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = loadEmbedded()
	})
	return defaultRegistry, defaultErr
}

func loadEmbedded() (*Registry, error) {
	files, err := tables.ReadDir("tables")
	if err != nil {
		return nil, err
	}
	var all []Entry
	for _, f := range files {
		fh, err := tables.Open("tables/" + f.Name())
		if err != nil {
			return nil, err
		}
		entries, err := decodeTable(fh)
		fh.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name(), err)
		}
		all = append(all, entries...)
	}
	return New(all...)
}
