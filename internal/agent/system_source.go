package agent

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/bc-dunia/snmpwatch/internal/mib"
	"github.com/bc-dunia/snmpwatch/internal/snmp"
)

// SystemSource serves real host metrics under the standard system,
// interface, host-resources and UCD objects.
type SystemSource struct {
	start    time.Time
	diskPath string

	mu       sync.RWMutex
	values   map[string]snmp.Value
	lastCPU  *cpu.TimesStat
	hostName string
	descr    string
}

// NewSystemSource creates a source for the local host. diskPath is the
// file system reported as hrStorage; empty means "/".
func NewSystemSource(diskPath string, start time.Time) *SystemSource {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemSource{
		start:    start,
		diskPath: diskPath,
		values:   make(map[string]snmp.Value, len(mib.SystemOIDs)),
	}
}

func (s *SystemSource) OIDs() []string {
	out := make([]string, len(mib.SystemOIDs))
	copy(out, mib.SystemOIDs)
	return out
}

func (s *SystemSource) Refresh(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error

	if s.descr == "" {
		if info, err := host.Info(); err == nil && info != nil {
			s.hostName = info.Hostname
			s.descr = fmt.Sprintf("%s %s %s %s", info.OS, info.Platform, info.PlatformVersion, info.KernelArch)
		} else {
			errs = append(errs, fmt.Errorf("host info: %w", err))
			s.descr = runtime.GOOS + " " + runtime.GOARCH
		}
	}
	s.values[mib.OIDSysDescr] = snmp.OctetStringValue(s.descr)
	s.values[mib.OIDSysName] = snmp.OctetStringValue(s.hostName)
	s.values[mib.OIDSysUpTime] = snmp.Coerce(mib.TypeTimeTicks, now.Sub(s.start).Seconds()*100)

	if up, err := host.Uptime(); err == nil {
		s.values[mib.OIDHrSystemUptime] = snmp.Coerce(mib.TypeTimeTicks, float64(up)*100)
	} else {
		errs = append(errs, fmt.Errorf("uptime: %w", err))
	}

	if pids, err := process.Pids(); err == nil {
		s.values[mib.OIDHrSystemProcs] = snmp.GaugeValue(float64(len(pids)))
	} else {
		errs = append(errs, fmt.Errorf("processes: %w", err))
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.values[mib.OIDHrProcessorLoad] = snmp.Coerce(mib.TypeInteger, pct[0])
	} else if err != nil {
		errs = append(errs, fmt.Errorf("cpu percent: %w", err))
	}

	if times, err := cpu.Times(false); err == nil && len(times) > 0 {
		cur := times[0]
		user := 0.0
		if s.lastCPU != nil {
			if total := cpuTotal(cur) - cpuTotal(*s.lastCPU); total > 0 {
				user = (cur.User - s.lastCPU.User) / total * 100
			}
		}
		s.lastCPU = &cur
		s.values[mib.OIDSsCPUUser] = snmp.Coerce(mib.TypeInteger, user)
	} else if err != nil {
		errs = append(errs, fmt.Errorf("cpu times: %w", err))
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		s.values[mib.OIDHrMemorySize] = snmp.Coerce(mib.TypeInteger, float64(vm.Total/1024))
		s.values[mib.OIDMemTotalReal] = snmp.Coerce(mib.TypeInteger, float64(vm.Total/1024))
		s.values[mib.OIDMemAvailReal] = snmp.Coerce(mib.TypeInteger, float64(vm.Available/1024))
	} else if err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}

	if du, err := disk.Usage(s.diskPath); err == nil && du != nil {
		s.values[mib.OIDHrDiskSize] = snmp.Coerce(mib.TypeInteger, float64(du.Total/1024))
		s.values[mib.OIDHrDiskUsed] = snmp.Coerce(mib.TypeInteger, float64(du.Used/1024))
	} else if err != nil {
		errs = append(errs, fmt.Errorf("disk %s: %w", s.diskPath, err))
	}

	if io, err := psnet.IOCounters(false); err == nil && len(io) > 0 {
		s.values[mib.OIDIfInOctets] = snmp.Coerce(mib.TypeCounter, float64(io[0].BytesRecv))
		s.values[mib.OIDIfOutOctets] = snmp.Coerce(mib.TypeCounter, float64(io[0].BytesSent))
	} else if err != nil {
		errs = append(errs, fmt.Errorf("net counters: %w", err))
	}

	if avg, err := load.Avg(); err == nil && avg != nil {
		s.values[mib.OIDLaLoad1] = snmp.OctetStringValue(strconv.FormatFloat(avg.Load1, 'f', 2, 64))
		s.values[mib.OIDLaLoad5] = snmp.OctetStringValue(strconv.FormatFloat(avg.Load5, 'f', 2, 64))
		s.values[mib.OIDLaLoad15] = snmp.OctetStringValue(strconv.FormatFloat(avg.Load15, 'f', 2, 64))
	} else if err != nil {
		errs = append(errs, fmt.Errorf("load average: %w", err))
	}

	return errors.Join(errs...)
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}

func (s *SystemSource) Sample(oid string) (snmp.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[oid]
	return v, ok
}
