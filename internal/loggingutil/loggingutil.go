// Package loggingutil holds small pslog helpers shared by every subsystem.
package loggingutil

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the emitting subsystem.
const SubsystemKey = pslog.TrustedString("sys")

// EnsureLogger returns l, or a disabled logger when l is nil.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// Subsystem joins non-empty parts into a dotted subsystem path.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every entry written through the
// returned logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
