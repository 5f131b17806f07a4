package device

import (
	"encoding/json"
	"time"

	"ledguitar/internal/settings"
)

// Info is the device identity blob returned by the info command.
type Info struct {
	Name       string `json:"name"`
	Maker      string `json:"manufacturer"`
	Firmware   string `json:"firmware"`
	LEDCount   int    `json:"led_count"`
	MaxEffects int    `json:"max_effects"`
	HasOwner   bool   `json:"has_owner"`
	UptimeS    int64  `json:"uptime_s"`
}

func encodeInfo(info Info) []byte {
	raw, err := json.Marshal(info)
	if err != nil {
		// Info has no unmarshalable fields; this cannot happen.
		return []byte("{}")
	}
	return raw
}

// PowerSource reports battery charge; real hardware reads the fuel
// gauge, tests and the simulator inject fixed values.
type PowerSource interface {
	BatteryPercent() int
}

// FixedPower is a PowerSource stub with a constant charge level.
type FixedPower int

func (p FixedPower) BatteryPercent() int { return int(p) }

// estimateMilliwatts approximates strip draw from brightness and LED
// count, capped by the configured current budget at 5V.
func estimateMilliwatts(rec settings.Record, ledCount, maxPowerMilliamps int) int {
	const fullDrawPerLEDmA = 60
	ma := ledCount * fullDrawPerLEDmA * int(rec.Brightness) / 255
	if ma > maxPowerMilliamps {
		ma = maxPowerMilliamps
	}
	if rec.CurrentPattern == 0 {
		ma = 0
	}
	return ma * 5
}

func uptimeSeconds(startedAt time.Time, now time.Time) int64 {
	if startedAt.IsZero() || now.Before(startedAt) {
		return 0
	}
	return int64(now.Sub(startedAt) / time.Second)
}
