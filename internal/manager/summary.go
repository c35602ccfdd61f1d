package manager

import (
	"math"
	"time"

	"github.com/bc-dunia/snmpwatch/internal/mib"
)

// Summary aggregates the engines of a snapshot.
type Summary struct {
	TotalEngines       int            `json:"total_engines"`
	RunningEngines     int            `json:"running_engines"`
	ReachableEngines   int            `json:"reachable_engines"`
	AvgTemperature     float64        `json:"avg_temperature"`
	AvgPower           float64        `json:"avg_power"`
	HealthDistribution map[string]int `json:"health_distribution"`
	LastUpdated        time.Time      `json:"last_updated"`
	Cycle              uint64         `json:"cycle"`
}

// Summarize computes the summary of s. Averages cover the engines that
// reported the object; an engine with no reading is left out rather than
// counted as zero.
func Summarize(s *Snapshot) Summary {
	sum := Summary{
		TotalEngines:       len(s.Engines),
		HealthDistribution: make(map[string]int),
		LastUpdated:        s.AsOf,
		Cycle:              s.Cycle,
	}

	var temp, power float64
	var temps, powers int
	for _, e := range s.Engines {
		sum.HealthDistribution[e.Health]++
		if e.Reachable {
			sum.ReachableEngines++
		}
		if v, ok := e.Value(mib.OIDEngineStatus); ok && v.Num == mib.EngineStatusRunning {
			sum.RunningEngines++
		}
		if v, ok := e.Value(mib.OIDEngineTemperature); ok {
			temp += v.Num
			temps++
		}
		if v, ok := e.Value(mib.OIDEnginePower); ok {
			power += v.Num
			powers++
		}
	}
	if temps > 0 {
		sum.AvgTemperature = math.Round(temp/float64(temps)*10) / 10
	}
	if powers > 0 {
		sum.AvgPower = math.Round(power / float64(powers))
	}
	return sum
}
