package service

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ResourceProbeConfig bounds the memory and open-file-descriptor pressure
// this process is allowed before NewResourceProbe reports it unhealthy. This
// process holds a log tailer and a sqlite handle per configured server plus
// the registry's own handle, so a leak in any of them shows up here first.
type ResourceProbeConfig struct {
	MaxRSSBytes  uint64
	MaxOpenFiles int
}

// NewResourceProbe returns a HealthProbe that samples this process's RSS and
// open file descriptor count via gopsutil and fails when either exceeds
// cfg's bounds. A zero bound disables that half of the check.
func NewResourceProbe(cfg ResourceProbeConfig) HealthProbe {
	pid := int32(os.Getpid())
	return func(ctx context.Context) error {
		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return fmt.Errorf("resource probe: %w", err)
		}

		if cfg.MaxRSSBytes > 0 {
			memInfo, err := proc.MemoryInfoWithContext(ctx)
			if err != nil {
				return fmt.Errorf("resource probe: memory info: %w", err)
			}
			if memInfo.RSS > cfg.MaxRSSBytes {
				return fmt.Errorf("resource probe: rss %d bytes exceeds limit %d", memInfo.RSS, cfg.MaxRSSBytes)
			}
		}

		if cfg.MaxOpenFiles > 0 {
			openFiles, err := proc.OpenFilesWithContext(ctx)
			if err != nil {
				return fmt.Errorf("resource probe: open files: %w", err)
			}
			if len(openFiles) > cfg.MaxOpenFiles {
				return fmt.Errorf("resource probe: %d open files exceeds limit %d", len(openFiles), cfg.MaxOpenFiles)
			}
		}

		return nil
	}
}
