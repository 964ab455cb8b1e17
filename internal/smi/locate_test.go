package smi

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocatePrefersWellKnownPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	missing := filepath.Join(dir, "missing", "rocm-smi")
	notExec := writeTool(t, dir, "not-exec", "", 0o644)
	first := writeTool(t, dir, "rocm-smi", "", 0o755)
	second := writeTool(t, dir, "amd-smi", "", 0o755)

	lookups := 0
	got := Locate(LocateOptions{
		Paths: []string{missing, notExec, first, second},
		LookPath: func(string) (string, error) {
			lookups++
			return "/should/not/be/used", nil
		},
	})

	assert.Equal(t, first, got)
	assert.Zero(t, lookups, "PATH lookup should not run when a well-known path matched")
}

func TestLocateFallsBackToSearchPath(t *testing.T) {
	t.Parallel()

	var asked []string
	got := Locate(LocateOptions{
		Paths: []string{},
		Names: []string{"rocm-smi", "amd-smi"},
		LookPath: func(name string) (string, error) {
			asked = append(asked, name)
			if name == "amd-smi" {
				return "/usr/sbin/amd-smi", nil
			}
			return "", errors.New("not found")
		},
	})

	assert.Equal(t, "/usr/sbin/amd-smi", got)
	assert.Equal(t, []string{"rocm-smi", "amd-smi"}, asked)
}

func TestLocateOverride(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	override := writeTool(t, dir, "custom-smi", "", 0o755)
	fallback := writeTool(t, dir, "rocm-smi", "", 0o755)

	got := Locate(LocateOptions{Override: override, Paths: []string{fallback}})
	assert.Equal(t, override, got)

	got = Locate(LocateOptions{Override: filepath.Join(dir, "nope"), Paths: []string{fallback}})
	assert.Equal(t, fallback, got, "unusable override should fall through to the regular search")
}

func TestLocateNothingFound(t *testing.T) {
	t.Parallel()

	got := Locate(LocateOptions{
		Paths: []string{filepath.Join(t.TempDir(), "rocm-smi")},
		LookPath: func(string) (string, error) {
			return "", errors.New("not found")
		},
	})
	assert.Empty(t, got)
}

func TestLocateSkipsDirectories(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	asDir := filepath.Join(dir, "rocm-smi")
	if err := os.MkdirAll(asDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got := Locate(LocateOptions{
		Paths: []string{asDir},
		Names: []string{},
	})
	assert.Empty(t, got)
}

func writeTool(t *testing.T, dir, name, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if body == "" {
		body = "#!/bin/sh\nexit 0\n"
	}
	if err := os.WriteFile(path, []byte(body), mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("chmod %s: %v", path, err)
	}
	return path
}
