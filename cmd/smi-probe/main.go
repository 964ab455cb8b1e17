// Command smi-probe locates the SMI tool, samples the primary GPU and prints the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/skobkin/amdgpu-smi-monitor/internal/gpu"
	"github.com/skobkin/amdgpu-smi-monitor/internal/sampler"
	"github.com/skobkin/amdgpu-smi-monitor/internal/smi"
)

type options struct {
	toolPath string
	timeout  time.Duration
	format   string
	samples  int
	interval time.Duration
	verbose  bool
}

type probeResult struct {
	Tool    string            `json:"tool" yaml:"tool"`
	Device  string            `json:"device,omitempty" yaml:"device,omitempty"`
	Record  sampler.Record    `json:"record" yaml:"record"`
	Updated []sampler.Group   `json:"updated" yaml:"updated"`
	Failed  map[string]string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

func parseFlags(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("smi-probe", pflag.ContinueOnError)
	flags.StringVar(&opts.toolPath, "smi", os.Getenv("APP_SMI_PATH"), "path to rocm-smi or amd-smi (default: search well-known locations and $PATH)")
	flags.DurationVar(&opts.timeout, "timeout", smi.DefaultTimeout, "per-command timeout")
	flags.StringVarP(&opts.format, "format", "f", "text", "output format: text, json or yaml")
	flags.IntVarP(&opts.samples, "samples", "n", 1, "number of samples to take")
	flags.DurationVar(&opts.interval, "interval", sampler.DefaultInterval, "delay between samples")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log tool invocations")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}

	switch opts.format {
	case "text", "json", "yaml":
	default:
		return options{}, fmt.Errorf("unsupported format %q", opts.format)
	}
	if opts.samples < 1 {
		return options{}, fmt.Errorf("--samples must be >= 1")
	}
	if opts.interval <= 0 {
		return options{}, fmt.Errorf("--interval must be > 0")
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	tool := smi.Locate(smi.LocateOptions{Override: opts.toolPath})
	if tool == "" {
		logger.Error("no smi tool found", "err", smi.ErrToolNotFound, "searched", smi.DefaultPaths)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := sampler.NewReader(smi.NewRunner(opts.timeout), gpu.PCIDatabase{}, logger.With("component", "sampler_reader"))

	var rec sampler.Record
	for i := 0; i < opts.samples; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(opts.interval):
			}
		}

		report := reader.Update(ctx, tool, &rec)
		if err := render(os.Stdout, opts.format, newProbeResult(tool, rec, report)); err != nil {
			logger.Error("render output", "err", err)
			os.Exit(1)
		}
	}
}

func newProbeResult(tool string, rec sampler.Record, report sampler.UpdateReport) probeResult {
	result := probeResult{
		Tool:    tool,
		Device:  report.Device,
		Record:  rec,
		Updated: report.Updated,
	}
	if len(report.Failed) > 0 {
		result.Failed = make(map[string]string, len(report.Failed))
		for group, err := range report.Failed {
			result.Failed[string(group)] = err.Error()
		}
	}
	return result
}

func render(w io.Writer, format string, result probeResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(result); err != nil {
			return err
		}
		return enc.Close()
	default:
		if _, err := fmt.Fprintf(w, "%s  [%s %s]\n", result.Record.Summary(), result.Tool, result.Device); err != nil {
			return err
		}
		groups := make([]string, 0, len(result.Failed))
		for group := range result.Failed {
			groups = append(groups, group)
		}
		sort.Strings(groups)
		for _, group := range groups {
			if _, err := fmt.Fprintf(w, "  %s: %s\n", group, result.Failed[group]); err != nil {
				return err
			}
		}
		return nil
	}
}
