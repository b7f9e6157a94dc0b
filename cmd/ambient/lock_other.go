//go:build !darwin && !linux

package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// acquireLock on platforms without flock relies on O_EXCL pid files.
func acquireLock(dataDir string) (*os.File, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lockPath := filepath.Join(dataDir, "ambient.lock")

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cannot acquire lock %s: %w", lockPath, err)
	}
	fmt.Fprintf(file, "%d\n", os.Getpid())
	return file, nil
}

func releaseLock(file *os.File) {
	if file != nil {
		name := file.Name()
		file.Close()
		os.Remove(name)
	}
}
