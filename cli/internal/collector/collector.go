// Package collector runs the collection cycle: find logs, extract usage,
// dedup, and hand pending records to the reporter.
package collector

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhaobenny/ccpulse/cli/internal/dedup"
	"github.com/zhaobenny/ccpulse/cli/internal/sync"
	"github.com/zhaobenny/ccpulse/internal/parser"
)

// ErrCycleRunning is returned when a cycle is requested while one is active
var ErrCycleRunning = errors.New("collection cycle already running")

// Options configures a Collector
type Options struct {
	ProjectsDir string
	Store       *dedup.Store
	Reporter    *sync.Reporter // may be nil when only Pending is used
	Logger      *zap.Logger
	Now         func() time.Time
}

// Collector owns the dedup store for the lifetime of the process
type Collector struct {
	projectsDir string
	store       *dedup.Store
	reporter    *sync.Reporter
	logger      *zap.Logger
	now         func() time.Time

	running gosync.Mutex
}

// FileStats are the per-file counts of one cycle
type FileStats struct {
	Path            string
	Lines           int
	Entries         int
	Skipped         int
	Duplicates      int
	AlreadyReported int
	Pending         int
	// Untimed counts pending entries whose identity is built from the
	// scan time; they are reported again on every cycle
	Untimed int
}

// CycleResult summarizes one collection cycle
type CycleResult struct {
	Files           []FileStats
	FilesFailed     int
	Skipped         int
	Duplicates      int
	AlreadyReported int
	Untimed         int
	Pending         []sync.Pending
	Report          sync.Result
}

// New creates a collector
func New(opts Options) *Collector {
	c := &Collector{
		projectsDir: opts.ProjectsDir,
		store:       opts.Store,
		reporter:    opts.Reporter,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Pending runs the cycle up to, but not including, delivery
func (c *Collector) Pending(ctx context.Context) (CycleResult, error) {
	if !c.running.TryLock() {
		return CycleResult{}, ErrCycleRunning
	}
	defer c.running.Unlock()
	return c.collect(ctx)
}

// RunOnce runs a full cycle. The returned error is the delivery failure, if
// any; the result always describes what was collected and sent.
func (c *Collector) RunOnce(ctx context.Context) (CycleResult, error) {
	if !c.running.TryLock() {
		return CycleResult{}, ErrCycleRunning
	}
	defer c.running.Unlock()

	res, err := c.collect(ctx)
	if err != nil {
		return res, err
	}
	if len(res.Pending) == 0 {
		c.logger.Debug("no new records")
		return res, nil
	}
	if c.reporter == nil {
		return res, errors.New("collector has no reporter")
	}

	res.Report = c.reporter.Send(ctx, res.Pending)
	if res.Report.Err != nil {
		return res, res.Report.Err
	}

	c.logger.Info("reported usage",
		zap.Int("records", res.Report.Sent),
		zap.Int("batches", res.Report.Batches),
		zap.Int("inserted", res.Report.Inserted),
		zap.Int("skipped", res.Report.Skipped),
		zap.Int("invalid", res.Report.Invalid))
	return res, nil
}

// Run runs a cycle immediately and then once per interval until ctx is
// cancelled. Ticks that arrive while a cycle runs are dropped. The store is
// flushed on the way out.
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s", interval)
	}

	c.logger.Info("collector started",
		zap.String("projects_dir", c.projectsDir),
		zap.Duration("interval", interval))

	c.cycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := c.store.Flush(); err != nil {
				c.logger.Warn("failed to flush state on shutdown", zap.Error(err))
			}
			c.logger.Info("collector stopped")
			return nil
		case <-ticker.C:
			c.cycle(ctx)
		}
	}
}

func (c *Collector) cycle(ctx context.Context) {
	if _, err := c.RunOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Error("collection cycle failed", zap.Error(err))
	}
}

func (c *Collector) collect(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	now := c.now()

	paths, err := parser.FindUsageFiles(c.projectsDir)
	if err != nil {
		return res, fmt.Errorf("find usage files: %w", err)
	}
	if len(paths) == 0 {
		c.logger.Debug("no usage files found", zap.String("projects_dir", c.projectsDir))
		return res, nil
	}

	files := make([]parser.FileResult, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		fr, err := parser.ParseFile(path, now)
		if err != nil {
			if fr.Lines == 0 {
				res.FilesFailed++
				c.logger.Warn("skipping unreadable file", zap.String("file", path), zap.Error(err))
				continue
			}
			c.logger.Warn("stopped reading file early",
				zap.String("file", path),
				zap.Int("lines", fr.Lines),
				zap.Error(err))
		}
		files = append(files, fr)
	}

	parser.OrderFiles(files)

	for _, fr := range files {
		kept, dropped := dedup.FirstWins(fr.Entries)
		stats := FileStats{
			Path:       fr.Path,
			Lines:      fr.Lines,
			Entries:    len(fr.Entries),
			Skipped:    fr.SkippedTotal(),
			Duplicates: dropped,
		}

		for _, e := range kept {
			key := dedup.Key(fr.Path, dedup.Identity(e))
			if c.store.Has(key) {
				stats.AlreadyReported++
				continue
			}
			res.Pending = append(res.Pending, sync.Pending{Key: key, Record: e.Record})
			stats.Pending++
			if dedup.Unstable(e) {
				stats.Untimed++
			}
		}

		if stats.Untimed > 0 {
			c.logger.Warn("usage lines without timestamp or message ids cannot be deduplicated across cycles",
				zap.String("file", fr.Path),
				zap.Int("lines", stats.Untimed))
		}

		if stats.Skipped > 0 || stats.Duplicates > 0 {
			fields := []zap.Field{
				zap.String("file", fr.Path),
				zap.Int("entries", stats.Entries),
				zap.Int("duplicates", stats.Duplicates),
			}
			for reason, n := range fr.Skipped {
				if reason != parser.SkipBlank {
					fields = append(fields, zap.Int("skipped_"+reason.String(), n))
				}
			}
			c.logger.Debug("file scanned", fields...)
		}

		res.Files = append(res.Files, stats)
		res.Skipped += stats.Skipped
		res.Duplicates += stats.Duplicates
		res.AlreadyReported += stats.AlreadyReported
		res.Untimed += stats.Untimed
	}

	c.logger.Info("scan complete",
		zap.Int("files", len(res.Files)),
		zap.Int("unreadable", res.FilesFailed),
		zap.Int("skipped_lines", res.Skipped),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("already_reported", res.AlreadyReported),
		zap.Int("pending", len(res.Pending)))
	return res, nil
}
