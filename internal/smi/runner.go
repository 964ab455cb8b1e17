package smi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 5 * time.Second

const jsonFlag = "--json"

var (
	// ErrToolNotFound is returned when no tool path is available.
	ErrToolNotFound = errors.New("smi tool not found")
	// ErrCommandFailed covers spawn errors, timeouts and non-zero exits.
	ErrCommandFailed = errors.New("smi command failed")
	// ErrMalformedOutput is returned when JSON output cannot be decoded.
	ErrMalformedOutput = errors.New("smi output malformed")
)

// Fields is a flat mapping of human readable field names to values for one device.
type Fields map[string]any

// Devices is a decoded JSON response keyed by device identifier (e.g. "card0").
type Devices map[string]Fields

// Primary returns the first device entry. Entries named cardN are ordered by N,
// anything else follows in lexical order.
func (d Devices) Primary() (string, Fields, bool) {
	if len(d) == 0 {
		return "", nil, false
	}
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, iok := cardIndex(ids[i])
		cj, jok := cardIndex(ids[j])
		switch {
		case iok && jok:
			return ci < cj
		case iok != jok:
			return iok
		default:
			return ids[i] < ids[j]
		}
	})
	return ids[0], d[ids[0]], true
}

func cardIndex(id string) (int, bool) {
	if !strings.HasPrefix(id, "card") {
		return 0, false
	}
	index, err := strconv.Atoi(id[len("card"):])
	if err != nil {
		return 0, false
	}
	return index, true
}

// Runner executes an SMI tool with a bounded timeout.
type Runner struct {
	timeout time.Duration
}

// NewRunner returns a Runner; non-positive timeouts use DefaultTimeout.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{timeout: timeout}
}

// Timeout reports the per-invocation deadline.
func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

// Run executes the tool and returns stdout verbatim on a successful exit.
func (r *Runner) Run(ctx context.Context, toolPath string, args ...string) (string, error) {
	if toolPath == "" {
		return "", ErrToolNotFound
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(runCtx, toolPath, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.WaitDelay = time.Second

	if err := command.Run(); err != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return "", fmt.Errorf("%w: %s %s: %w (stderr: %s)",
			ErrCommandFailed, toolPath, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// RunJSON executes the tool with --json and decodes the per-device response.
// Top-level entries that are not objects are ignored.
func (r *Runner) RunJSON(ctx context.Context, toolPath string, args ...string) (Devices, error) {
	if !hasFlag(args, jsonFlag) {
		args = append(append([]string(nil), args...), jsonFlag)
	}

	out, err := r.Run(ctx, toolPath, args...)
	if err != nil {
		return Devices{}, err
	}

	return DecodeDevices([]byte(out))
}

// DecodeDevices parses a JSON document keyed by device id.
func DecodeDevices(data []byte) (Devices, error) {
	var raw map[string]json.RawMessage
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return Devices{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	devices := make(Devices, len(raw))
	for id, entry := range raw {
		var fields Fields
		entryDecoder := json.NewDecoder(bytes.NewReader(entry))
		entryDecoder.UseNumber()
		if err := entryDecoder.Decode(&fields); err != nil || fields == nil {
			continue
		}
		devices[id] = fields
	}
	return devices, nil
}

func hasFlag(args []string, flag string) bool {
	for _, arg := range args {
		if arg == flag {
			return true
		}
	}
	return false
}
