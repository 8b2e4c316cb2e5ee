//go:build !unix && !windows

package stores

import "os"

// Platforms without advisory locks only get the in-process mutex.
func tryLockFile(*os.File) (bool, error) { return true, nil }

func unlockFile(*os.File) error { return nil }
