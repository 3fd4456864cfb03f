//go:build !unix

package state

import "os"

// Without flock only the in-process mutex protects the file store.
func lockExclusive(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
