package sampler

import (
	"fmt"
	"time"
)

// DeviceType tags published payloads with the SMI backend that produced them.
const DeviceType = "rocm"

// Group identifies one independently fetched set of metrics.
type Group string

const (
	GroupUtilization Group = "utilization"
	GroupVRAM        Group = "vram"
	GroupTemperature Group = "temperature"
	GroupGTT         Group = "gtt"
	GroupName        Group = "name"
)

// Groups lists every metric group in fetch order.
var Groups = []Group{GroupUtilization, GroupVRAM, GroupTemperature, GroupGTT, GroupName}

// Record is the normalized snapshot of the primary GPU. Fields that could not be
// refreshed keep their previous value; zero means "never observed".
type Record struct {
	Name            string    `json:"name" yaml:"name"`
	GPUUtilization  int       `json:"gpu_utilization" yaml:"gpu_utilization"`
	TemperatureC    int       `json:"gpu_temperature" yaml:"gpu_temperature"`
	VRAMTotalMB     uint64    `json:"vram_total" yaml:"vram_total"`
	VRAMUsedMB      uint64    `json:"vram_used" yaml:"vram_used"`
	VRAMUsedPercent int       `json:"vram_used_percent" yaml:"vram_used_percent"`
	GTTTotalMB      uint64    `json:"gtt_total" yaml:"gtt_total"`
	GTTUsedMB       uint64    `json:"gtt_used" yaml:"gtt_used"`
	GTTUsedPercent  int       `json:"gtt_used_percent" yaml:"gtt_used_percent"`
	LastUpdate      time.Time `json:"last_update" yaml:"last_update"`
}

// Payload is the published event body.
type Payload struct {
	DeviceType string       `json:"device_type"`
	GPUs       []GPUPayload `json:"gpus"`
}

// GPUPayload describes one GPU inside a Payload.
type GPUPayload struct {
	Name            string `json:"name"`
	GPUUtilization  int    `json:"gpu_utilization"`
	GPUTemperature  int    `json:"gpu_temperature"`
	VRAMTotal       uint64 `json:"vram_total"`
	VRAMUsed        uint64 `json:"vram_used"`
	VRAMUsedPercent int    `json:"vram_used_percent"`
	GTTTotal        uint64 `json:"gtt_total"`
	GTTUsed         uint64 `json:"gtt_used"`
	GTTUsedPercent  int    `json:"gtt_used_percent"`
}

// Payload converts the record into the published event body.
func (r Record) Payload() Payload {
	return Payload{
		DeviceType: DeviceType,
		GPUs: []GPUPayload{{
			Name:            r.Name,
			GPUUtilization:  r.GPUUtilization,
			GPUTemperature:  r.TemperatureC,
			VRAMTotal:       r.VRAMTotalMB,
			VRAMUsed:        r.VRAMUsedMB,
			VRAMUsedPercent: r.VRAMUsedPercent,
			GTTTotal:        r.GTTTotalMB,
			GTTUsed:         r.GTTUsedMB,
			GTTUsedPercent:  r.GTTUsedPercent,
		}},
	}
}

// Summary renders the record as a single status line.
func (r Record) Summary() string {
	name := r.Name
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("GPU: %d%% | VRAM: %dMB/%dMB (%d%%) | GTT: %dMB/%dMB (%d%%) | Temp: %d°C | Name: %s",
		r.GPUUtilization,
		r.VRAMUsedMB, r.VRAMTotalMB, r.VRAMUsedPercent,
		r.GTTUsedMB, r.GTTTotalMB, r.GTTUsedPercent,
		r.TemperatureC,
		name,
	)
}
