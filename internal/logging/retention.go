package logging

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// retentionSweepEvery is how often the rotated-log budget is re-checked.
// lumberjack caps the size of authkit.log and the backup count, but not the
// byte total across backups; that budget is enforced here.
const retentionSweepEvery = time.Minute

var retentionStop chan struct{}

// startLogRetentionLocked begins the background sweep of logDir. A budget of
// zero or less disables retention entirely. activeFile is the live
// authkit.log, which is never deleted. Callers hold writerMu.
func startLogRetentionLocked(logDir string, budgetMB int, activeFile string) {
	stopLogRetentionLocked()
	if budgetMB <= 0 || strings.TrimSpace(logDir) == "" {
		return
	}

	stop := make(chan struct{})
	retentionStop = stop
	go func() {
		budget := int64(budgetMB) * 1024 * 1024
		dir := filepath.Clean(logDir)
		active := filepath.Clean(activeFile)
		sweep := func() {
			removed, err := pruneLogDir(dir, budget, active)
			if err != nil {
				log.WithError(err).Warn("log retention sweep failed")
			} else if removed > 0 {
				log.WithField("path", dir).Debugf("log retention removed %d rotated file(s)", removed)
			}
		}
		sweep()
		ticker := time.NewTicker(retentionSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()
}

// stopLogRetentionLocked ends the sweep. Callers hold writerMu.
func stopLogRetentionLocked() {
	if retentionStop != nil {
		close(retentionStop)
		retentionStop = nil
	}
}

// pruneLogDir deletes rotated log files, oldest first, until the directory's
// log byte total fits the budget. The active file counts toward the total but
// is never a deletion candidate.
func pruneLogDir(dir string, budget int64, active string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	type rotated struct {
		path string
		size int64
		mod  time.Time
	}
	var (
		total      int64
		candidates []rotated
	)
	for _, entry := range entries {
		if entry.IsDir() || !isRotatedLogName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		total += info.Size()
		path := filepath.Join(dir, entry.Name())
		if filepath.Clean(path) == active {
			continue
		}
		candidates = append(candidates, rotated{path: path, size: info.Size(), mod: info.ModTime()})
	}
	if total <= budget {
		return 0, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mod.Before(candidates[j].mod) })
	removed := 0
	for _, f := range candidates {
		if total <= budget {
			break
		}
		if err := os.Remove(f.path); err != nil {
			log.WithError(err).Warnf("log retention could not remove %s", filepath.Base(f.path))
			continue
		}
		total -= f.size
		removed++
	}
	return removed, nil
}

// isRotatedLogName matches the names lumberjack produces: the base log plus
// timestamped backups, optionally gzipped.
func isRotatedLogName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
