// Package sysinfo samples host system, CPU, memory, and network state for
// the periodic telemetry upload, grounded on Telemetry::createTelemetry
// in the original firmware (system/cpu/memory/network JsonObject
// sections), adapted from ESP32 chip/heap registers to Go's
// runtime/os equivalents.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"time"
)

// System reports firmware identity and process uptime.
type System struct {
	FirmwareVersion string `json:"firmware_version"`
	UptimeSeconds   int64  `json:"uptime_s"`
	GoVersion       string `json:"go_version"`
}

// CPU reports core count and current goroutine load, the closest Go
// analogue to the firmware's clock-frequency/core-count/temperature
// reading (Go has no portable CPU temperature sensor).
type CPU struct {
	Cores      int `json:"cores"`
	Goroutines int `json:"goroutines"`
}

// Memory reports Go runtime heap statistics in place of the firmware's
// ESP.getHeapSize/getFreeHeap pair.
type Memory struct {
	HeapTotalBytes  uint64  `json:"heap_total_bytes"`
	HeapInUseBytes  uint64  `json:"heap_in_use_bytes"`
	HeapUsedPercent float64 `json:"heap_used_pct"`
	NumGC           uint32  `json:"num_gc"`
}

// Network reports hostname and local interface addresses in place of
// the firmware's WiFi/Ethernet link state.
type Network struct {
	Hostname  string   `json:"hostname"`
	Addresses []string `json:"addresses"`
}

// Sample is the full telemetry payload's {system, cpu, memory, network}
// shape.
type Sample struct {
	System  System  `json:"system"`
	CPU     CPU     `json:"cpu"`
	Memory  Memory  `json:"memory"`
	Network Network `json:"network"`
}

// Sampler produces Sample snapshots, tracking process start time for
// the uptime field.
type Sampler struct {
	firmwareVersion string
	startedAt       time.Time
}

// New creates a Sampler. firmwareVersion is surfaced verbatim in every
// sample's System.FirmwareVersion field.
func New(firmwareVersion string) *Sampler {
	return &Sampler{firmwareVersion: firmwareVersion, startedAt: time.Now()}
}

// Sample gathers a fresh snapshot of system, CPU, memory, and network
// state.
func (s *Sampler) Sample() Sample {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var usedPct float64
	if mem.Sys > 0 {
		usedPct = float64(mem.HeapInuse) / float64(mem.Sys) * 100.0
	}

	return Sample{
		System: System{
			FirmwareVersion: s.firmwareVersion,
			UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
			GoVersion:       runtime.Version(),
		},
		CPU: CPU{
			Cores:      runtime.NumCPU(),
			Goroutines: runtime.NumGoroutine(),
		},
		Memory: Memory{
			HeapTotalBytes:  mem.Sys,
			HeapInUseBytes:  mem.HeapInuse,
			HeapUsedPercent: usedPct,
			NumGC:           mem.NumGC,
		},
		Network: networkInfo(),
	}
}

func networkInfo() Network {
	n := Network{}
	if host, err := os.Hostname(); err == nil {
		n.Hostname = host
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return n
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		n.Addresses = append(n.Addresses, ipNet.IP.String())
	}
	return n
}

// ToPayload converts a Sample into the map[string]any shape the Bridge's
// Telemetry method sends upstream, keeping the {system, cpu, memory,
// network} top-level grouping.
func (s Sample) ToPayload() map[string]any {
	return map[string]any{
		"system":  s.System,
		"cpu":     s.CPU,
		"memory":  s.Memory,
		"network": s.Network,
	}
}
