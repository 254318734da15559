// Package version reports the txd build version.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/txd"

// buildVersion is set via -ldflags "-X pkt.systems/txd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Module    string `json:"module" yaml:"module"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Revision  string `json:"revision,omitempty" yaml:"revision,omitempty"`
	Time      string `json:"time,omitempty" yaml:"time,omitempty"`
	Modified  bool   `json:"modified,omitempty" yaml:"modified,omitempty"`
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Module returns the module path from build info when available.
func Module() string {
	return Read().Module
}

// Read collects version details from the linker flag and build info.
func Read() Info {
	info := Info{Module: defaultModule, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.Revision = setting.Value
			case "vcs.time":
				info.Time = setting.Value
			case "vcs.modified":
				info.Modified = setting.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		info.Version = buildVersion
	case ok && bi.Main.Version != "" && bi.Main.Version != "(devel)":
		info.Version = bi.Main.Version
	default:
		info.Version = pseudoVersion(info)
	}
	return info
}

// pseudoVersion derives a Go-style pseudo version from VCS stamps.
func pseudoVersion(info Info) string {
	if info.Revision == "" || info.Time == "" {
		return "v0.0.0-unknown"
	}
	parsed, err := time.Parse(time.RFC3339, info.Time)
	if err != nil {
		return "v0.0.0-unknown"
	}
	rev := info.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if info.Modified {
		ver += "+dirty"
	}
	return ver
}
