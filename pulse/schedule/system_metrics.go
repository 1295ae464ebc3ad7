package schedule

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/polar/errors"
)

// SystemMetrics is host memory usage reported with ticker stats.
type SystemMetrics struct {
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// GetSystemMetrics reads host memory; zeros when unavailable.
func GetSystemMetrics() SystemMetrics {
	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return SystemMetrics{}
	}
	totalGB := float64(total) / 1024 / 1024 / 1024
	usedGB := float64(total-available) / 1024 / 1024 / 1024
	return SystemMetrics{
		MemoryUsedGB:  usedGB,
		MemoryTotalGB: totalGB,
		MemoryPercent: usedGB / totalGB * 100,
	}
}
