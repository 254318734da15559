package main

import (
	"strings"
	"testing"

	"pkt.systems/txd/internal/version"
)

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandBuildInfo(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "version", "--build-info")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(stdout, "go_version: ") || !strings.Contains(stdout, "module: ") {
		t.Fatalf("unexpected build info: %q", stdout)
	}
}
