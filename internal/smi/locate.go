// Package smi locates and invokes the AMD SMI command line tools
// (rocm-smi, amd-smi) and decodes their JSON output.
package smi

import (
	"os"
	"os/exec"
)

// DefaultPaths lists well-known install locations, checked in order.
var DefaultPaths = []string{
	"/opt/rocm/bin/rocm-smi",
	"/usr/bin/rocm-smi",
	"/usr/local/bin/rocm-smi",
	"/opt/amdgpu-pro/bin/amd-smi",
	"/usr/bin/amd-smi",
}

// DefaultNames lists tool names looked up on $PATH after DefaultPaths.
var DefaultNames = []string{"rocm-smi", "amd-smi"}

// LocateOptions tunes the search performed by Locate. Zero values fall back to the defaults.
type LocateOptions struct {
	// Override is checked before anything else when set.
	Override string
	Paths    []string
	Names    []string
	// LookPath resolves a bare name against $PATH.
	LookPath func(string) (string, error)
}

// Locate returns the path of the first usable SMI executable, or "" when none exists.
func Locate(opts LocateOptions) string {
	paths := opts.Paths
	if paths == nil {
		paths = DefaultPaths
	}
	names := opts.Names
	if names == nil {
		names = DefaultNames
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	if opts.Override != "" && isExecutable(opts.Override) {
		return opts.Override
	}

	for _, path := range paths {
		if isExecutable(path) {
			return path
		}
	}

	for _, name := range names {
		if path, err := lookPath(name); err == nil && path != "" {
			return path
		}
	}

	return ""
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
