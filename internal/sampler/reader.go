package sampler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/skobkin/amdgpu-smi-monitor/internal/gpu"
	"github.com/skobkin/amdgpu-smi-monitor/internal/smi"
)

const bytesPerMB = 1024 * 1024

const (
	fieldGPUUse          = "GPU use (%)"
	fieldVRAMTotal       = "VRAM Total Memory (B)"
	fieldVRAMUsed        = "VRAM Total Used Memory (B)"
	fieldGTTTotal        = "GTT Total Memory (B)"
	fieldGTTUsed         = "GTT Total Used Memory (B)"
	fieldTempEdge        = "Temperature (Sensor edge) (C)"
	fieldTempJunction    = "Temperature (Sensor junction) (C)"
	fieldCardSeries      = "Card Series"
	fieldGFXVersion      = "GFX Version"
	fieldCardModel       = "Card Model"
	fieldCardSubsystemID = "Subsystem ID"
)

var (
	argsUtilization = []string{"--showuse"}
	argsVRAM        = []string{"--showmeminfo", "vram"}
	argsTemperature = []string{"--showtemp"}
	argsGTT         = []string{"--showmeminfo", "gtt"}
	argsProductName = []string{"--showproductname"}
)

// CommandRunner executes the SMI tool and decodes its JSON output.
type CommandRunner interface {
	RunJSON(ctx context.Context, toolPath string, args ...string) (smi.Devices, error)
}

// Reader turns SMI tool output into Record updates.
type Reader struct {
	runner CommandRunner
	names  gpu.Resolver
	now    func() time.Time
	logger *slog.Logger
}

// NewReader constructs a Reader. A nil resolver disables PCI database lookups.
func NewReader(runner CommandRunner, names gpu.Resolver, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reader{
		runner: runner,
		names:  names,
		now:    time.Now,
		logger: logger,
	}
}

// UpdateReport describes the outcome of one Update call.
type UpdateReport struct {
	Device  string
	Updated []Group
	Failed  map[Group]error
}

// AllFailed reports whether no metric group was refreshed.
func (r UpdateReport) AllFailed() bool {
	return len(r.Updated) == 0
}

func (r *UpdateReport) record(group Group, device string, err error) {
	if err != nil {
		r.Failed[group] = err
		return
	}
	if r.Device == "" {
		r.Device = device
	}
	r.Updated = append(r.Updated, group)
}

type memoryUsage struct {
	totalMB uint64
	usedMB  uint64
	percent int
}

// Update refreshes rec in place from the tool at toolPath and reports which groups changed.
// Each metric group is fetched independently; a group that fails leaves its
// fields untouched. LastUpdate is always set.
func (r *Reader) Update(ctx context.Context, toolPath string, rec *Record) UpdateReport {
	report := UpdateReport{Failed: make(map[Group]error)}

	device, util, err := guard(func() (string, int, error) { return r.utilization(ctx, toolPath) })
	if err == nil {
		rec.GPUUtilization = util
	}
	report.record(GroupUtilization, device, err)

	device, vram, err := guard(func() (string, memoryUsage, error) {
		return r.memory(ctx, toolPath, argsVRAM, fieldVRAMTotal, fieldVRAMUsed)
	})
	if err == nil {
		rec.VRAMTotalMB = vram.totalMB
		rec.VRAMUsedMB = vram.usedMB
		rec.VRAMUsedPercent = vram.percent
	}
	report.record(GroupVRAM, device, err)

	device, temp, err := guard(func() (string, int, error) { return r.temperature(ctx, toolPath) })
	if err == nil {
		rec.TemperatureC = temp
	}
	report.record(GroupTemperature, device, err)

	device, gtt, err := guard(func() (string, memoryUsage, error) {
		return r.memory(ctx, toolPath, argsGTT, fieldGTTTotal, fieldGTTUsed)
	})
	if err == nil {
		rec.GTTTotalMB = gtt.totalMB
		rec.GTTUsedMB = gtt.usedMB
		rec.GTTUsedPercent = gtt.percent
	}
	report.record(GroupGTT, device, err)

	device, name, err := guard(func() (string, string, error) { return r.name(ctx, toolPath) })
	if err == nil {
		rec.Name = name
	}
	report.record(GroupName, device, err)

	rec.LastUpdate = r.now()

	for group, groupErr := range report.Failed {
		r.logger.Debug("metric group not updated", "group", group, "err", groupErr)
	}

	return report
}

func (r *Reader) primary(ctx context.Context, toolPath string, args []string) (string, smi.Fields, error) {
	devices, err := r.runner.RunJSON(ctx, toolPath, args...)
	if err != nil {
		return "", nil, err
	}
	id, fields, ok := devices.Primary()
	if !ok {
		return "", nil, ErrNoDevice
	}
	return id, fields, nil
}

func (r *Reader) utilization(ctx context.Context, toolPath string) (string, int, error) {
	device, fields, err := r.primary(ctx, toolPath, argsUtilization)
	if err != nil {
		return "", 0, err
	}
	_, raw, ok := lookupField(fields, fieldGPUUse)
	if !ok {
		return device, 0, fmt.Errorf("%w: %s", ErrFieldMissing, fieldGPUUse)
	}
	value, err := coerceInt(raw)
	if err != nil {
		return device, 0, fmt.Errorf("%s: %w", fieldGPUUse, err)
	}
	return device, min(max(value, 0), 100), nil
}

func (r *Reader) memory(ctx context.Context, toolPath string, args []string, totalField, usedField string) (string, memoryUsage, error) {
	device, fields, err := r.primary(ctx, toolPath, args)
	if err != nil {
		return "", memoryUsage{}, err
	}

	_, rawTotal, okTotal := lookupField(fields, totalField)
	_, rawUsed, okUsed := lookupField(fields, usedField)
	if !okTotal || !okUsed {
		return device, memoryUsage{}, fmt.Errorf("%w: %s/%s", ErrFieldMissing, totalField, usedField)
	}

	totalBytes, err := coerceUint64(rawTotal)
	if err != nil {
		return device, memoryUsage{}, fmt.Errorf("%s: %w", totalField, err)
	}
	usedBytes, err := coerceUint64(rawUsed)
	if err != nil {
		return device, memoryUsage{}, fmt.Errorf("%s: %w", usedField, err)
	}

	usage := memoryUsage{
		totalMB: totalBytes / bytesPerMB,
		usedMB:  usedBytes / bytesPerMB,
	}
	usage.percent = usedPercent(usage.usedMB, usage.totalMB)
	return device, usage, nil
}

func (r *Reader) temperature(ctx context.Context, toolPath string) (string, int, error) {
	device, fields, err := r.primary(ctx, toolPath, argsTemperature)
	if err != nil {
		return "", 0, err
	}

	lastErr := fmt.Errorf("%w: %s/%s", ErrFieldMissing, fieldTempEdge, fieldTempJunction)
	for _, field := range []string{fieldTempEdge, fieldTempJunction} {
		_, raw, ok := lookupField(fields, field)
		if !ok {
			continue
		}
		value, err := coerceInt(raw)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", field, err)
			continue
		}
		return device, value, nil
	}
	return device, 0, lastErr
}

func (r *Reader) name(ctx context.Context, toolPath string) (string, string, error) {
	device, fields, err := r.primary(ctx, toolPath, argsProductName)
	if err != nil {
		return "", "", err
	}

	for _, field := range []string{fieldCardSeries, fieldGFXVersion} {
		if _, raw, ok := lookupField(fields, field); ok {
			if value := stringValue(raw); gpu.Usable(value) {
				return device, value, nil
			}
		}
	}

	if _, raw, ok := lookupField(fields, fieldCardModel); ok {
		var subsystem string
		if _, rawSub, ok := lookupField(fields, fieldCardSubsystemID); ok {
			subsystem = stringValue(rawSub)
		}
		if name := gpu.ModelName(r.names, stringValue(raw), subsystem); name != "" {
			return device, name, nil
		}
	}

	return device, "", fmt.Errorf("%w: %s/%s/%s", ErrFieldMissing, fieldCardSeries, fieldGFXVersion, fieldCardModel)
}

// guard converts a panic inside a fetch step into an error so the other groups still run.
func guard[T any](fn func() (string, T, error)) (device string, value T, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			var zero T
			device, value, err = "", zero, fmt.Errorf("metric group panicked: %v", recovered)
		}
	}()
	return fn()
}
