//go:build !unix

package disk

import "os"

// lockFile is a no-op where flock is unavailable; operators must not point
// two processes at the same directory.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
