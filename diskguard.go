package driftline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// DiskStatus summarizes free space on the data volume.
type DiskStatus struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	FreePercent float64 `json:"free_percent"`
	Warning     bool    `json:"warning"`
	Critical    bool    `json:"critical"`
}

// statfsFunc is the filesystem probe, replaceable in tests.
type statfsFunc func(path string, st *unix.Statfs_t) error

// DiskGuard watches free space on the data volume, refuses writes below
// the critical threshold and reclaims space from the media directory by
// age.
type DiskGuard struct {
	dataDir  string
	mediaDir string
	config   DiskConfig
	lock     *ResourceLock
	logger   *slog.Logger
	statfs   statfsFunc
	now      func() time.Time
}

// NewDiskGuard creates a guard for dataDir. mediaLock serializes cleanup
// against concurrent media writes.
func NewDiskGuard(cfg Config, mediaLock *ResourceLock, logger *slog.Logger) *DiskGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiskGuard{
		dataDir:  cfg.DataDir,
		mediaDir: cfg.MediaDir(),
		config:   cfg.Disk,
		lock:     mediaLock,
		logger:   logger,
		statfs:   unix.Statfs,
		now:      time.Now,
	}
}

// Status probes the data volume and classifies it against the configured
// thresholds.
func (g *DiskGuard) Status() (DiskStatus, error) {
	var st unix.Statfs_t
	if err := g.statfs(g.dataDir, &st); err != nil {
		return DiskStatus{}, fmt.Errorf("statfs %s: %w", g.dataDir, err)
	}

	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	pct := 0.0
	if total > 0 {
		pct = float64(free) / float64(total) * 100
	}
	return DiskStatus{
		Path:        g.dataDir,
		TotalBytes:  total,
		FreeBytes:   free,
		FreePercent: pct,
		Warning:     pct < g.config.WarnPercent,
		Critical:    pct < g.config.CriticalPercent,
	}, nil
}

// CheckSpace reports whether at least minFreeBytes are available on the
// data volume.
func (g *DiskGuard) CheckSpace(minFreeBytes uint64) (bool, error) {
	status, err := g.Status()
	if err != nil {
		return false, err
	}
	return status.FreeBytes >= minFreeBytes, nil
}

// CheckWritable returns ErrStorageFull when free space is below the
// critical threshold. Event writes call this before touching the store.
func (g *DiskGuard) CheckWritable() error {
	status, err := g.Status()
	if err != nil {
		// A failed probe must not block captures; log and proceed.
		g.logger.Warn("disk status probe failed", "error", err)
		return nil
	}
	if status.Critical {
		return fmt.Errorf("%w: %.1f%% free on %s (critical threshold %.1f%%)",
			ErrStorageFull, status.FreePercent, g.dataDir, g.config.CriticalPercent)
	}
	if status.Warning {
		g.logger.Warn("disk space low",
			"free_percent", fmt.Sprintf("%.1f", status.FreePercent),
			"warn_threshold", g.config.WarnPercent)
	}
	return nil
}

// mediaFile pairs a path with its modification time for age ordering.
type mediaFile struct {
	path    string
	modTime time.Time
	size    int64
}

// Cleanup removes media files older than the retention window, then, if a
// total size cap is set, removes oldest files until under the cap. It
// returns the number of files removed and the bytes reclaimed.
func (g *DiskGuard) Cleanup() (int, int64, error) {
	var removed int
	var reclaimed int64
	err := g.lock.With(func() error {
		files, totalSize, err := g.listMedia()
		if err != nil {
			return err
		}

		cutoff := g.now().Add(-g.config.MediaRetention())
		next := 0
		for ; next < len(files); next++ {
			f := files[next]
			if !f.modTime.Before(cutoff) {
				break
			}
			if err := os.Remove(f.path); err != nil {
				g.logger.Warn("media cleanup remove failed", "path", f.path, "error", err)
				continue
			}
			removed++
			reclaimed += f.size
			totalSize -= f.size
		}

		if g.config.MaxMediaBytes > 0 {
			for _, f := range files[next:] {
				if totalSize <= g.config.MaxMediaBytes {
					break
				}
				if err := os.Remove(f.path); err != nil {
					g.logger.Warn("media cleanup remove failed", "path", f.path, "error", err)
					continue
				}
				removed++
				reclaimed += f.size
				totalSize -= f.size
			}
		}
		return nil
	})
	if removed > 0 {
		g.logger.Info("media cleanup complete", "removed", removed, "reclaimed_bytes", reclaimed)
	}
	return removed, reclaimed, err
}

// listMedia returns media files sorted oldest-first with the total size.
func (g *DiskGuard) listMedia() ([]mediaFile, int64, error) {
	var files []mediaFile
	var total int64
	err := filepath.WalkDir(g.mediaDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, mediaFile{path: path, modTime: info.ModTime(), size: info.Size()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("walk media dir: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	return files, total, nil
}
