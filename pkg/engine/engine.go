// Package engine orchestrates one conversion pass over a mission
// directory: acquire the run guard, read the processed-file cache, group
// the raw files on disk into fragment sets, reassemble the stale ones
// dive by dive, and persist the advanced cache. One group's failure
// never stops the rest of the run.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/gliderbase/gliderbase/log"
	"github.com/gliderbase/gliderbase/pkg/cache"
	"github.com/gliderbase/gliderbase/pkg/commlog"
	"github.com/gliderbase/gliderbase/pkg/defrag"
	"github.com/gliderbase/gliderbase/pkg/glider"
	"github.com/gliderbase/gliderbase/pkg/mission"
	"github.com/gliderbase/gliderbase/pkg/runguard"
)

var engineLog = log.GetLogger("engine")

const (
	// CacheFileName is the processed-file cache inside the mission dir.
	CacheFileName = "processed_files.cache"
	// CommLogName is the contact log the comms front end appends to.
	CommLogName = "comm.log"
)

// Option adjusts engine behavior.
type Option func(*Engine)

// WithForce reprocesses every group regardless of the cache.
func WithForce() Option {
	return func(e *Engine) { e.force = true }
}

// WithIgnoreLock takes over a held run guard without waiting.
func WithIgnoreLock() Option {
	return func(e *Engine) { e.ignoreLock = true }
}

// WithLoggerHandler installs the subsystem that receives logger payloads
// and tar bundles.
func WithLoggerHandler(h defrag.LoggerHandler) Option {
	return func(e *Engine) { e.loggers = h }
}

// Engine runs conversion passes over one mission directory.
type Engine struct {
	missionDir string
	cfg        *mission.Config
	cls        *glider.Classifier
	loggers    defrag.LoggerHandler

	force      bool
	ignoreLock bool
}

func New(missionDir string, cfg *mission.Config, opts ...Option) *Engine {
	e := &Engine{
		missionDir: missionDir,
		cfg:        cfg,
		cls:        glider.NewClassifier(cfg.InstrumentID, cfg.LoggerSubsystems()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one conversion pass. The returned RunResult is valid even
// when err is non-nil; err reports fatal conditions only (guard timeout,
// unreadable or unwritable cache). Cancelling ctx stops the pass at the
// next group or stage boundary; completed work is still committed to the
// cache.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	result := newRunResult()
	engineLog.Infof("conversion run %s starting in %s", result.ID, e.missionDir)

	guardOpts := []runguard.Option{runguard.WithWait(e.cfg.LockTimeout())}
	if e.ignoreLock {
		guardOpts = append(guardOpts, runguard.WithIgnoreExisting())
	}
	guard, err := runguard.Acquire(e.missionDir, guardOpts...)
	if err != nil {
		return result, err
	}
	defer guard.Release()

	cachePath := filepath.Join(e.missionDir, CacheFileName)
	processed, err := cache.Read(cachePath, e.cls)
	if err != nil {
		return result, err
	}

	xfer, err := commlog.Parse(filepath.Join(e.missionDir, CommLogName))
	if err != nil {
		engineLog.Warnf("cannot read contact log, continuing without it: %v", err)
		xfer = commlog.Empty()
	}

	collector, err := glider.NewCollector(e.missionDir, e.cls, e.cfg.LoggerSubsystems())
	if err != nil {
		return result, fmt.Errorf("scan mission directory: %w", err)
	}

	defragger := defrag.New(e.missionDir, e.cls, xfer, e.loggers)

	runErr := e.runStages(ctx, result, processed, xfer, collector, defragger)

	result.finish()
	if err := processed.Write(cachePath); err != nil {
		return result, err
	}
	engineLog.Infof("conversion run %s done: %d groups, %d incomplete",
		result.ID, len(result.Groups), len(result.Incomplete))
	return result, runErr
}

// runStages walks the pdos pass and the dive and selftest loops,
// honoring cancellation between units.
func (e *Engine) runStages(ctx context.Context, result *RunResult, processed *cache.Cache,
	xfer *commlog.Log, collector *glider.Collector, defragger *defrag.Defragmenter) error {

	if err := ctx.Err(); err != nil {
		return err
	}
	e.processPdosLogs(result, processed, collector, defragger)

	for _, dive := range collector.Dives() {
		if err := ctx.Err(); err != nil {
			engineLog.Infof("stopping before dive %d: %v", dive, err)
			return err
		}
		result.Dives[dive] = e.processUnit(ctx, dive, collector.DiveFiles(dive),
			result, processed, xfer, defragger)
	}
	for _, st := range collector.Selftests() {
		if err := ctx.Err(); err != nil {
			engineLog.Infof("stopping before selftest %d: %v", st, err)
			return err
		}
		result.Selftests[st] = e.processUnit(ctx, st, collector.SelftestFiles(st),
			result, processed, xfer, defragger)
	}
	return ctx.Err()
}

// processPdosLogs handles the command-log file class, which keeps its own
// cache namespace and sits outside the two-phase dive loop.
func (e *Engine) processPdosLogs(result *RunResult, processed *cache.Cache,
	collector *glider.Collector, defragger *defrag.Defragmenter) {

	groups := collector.GroupByBase(collector.PdosLogFiles())
	for _, base := range sortedBases(groups) {
		group := groups[base]
		if !e.force && !pdosStale(processed, base, group) {
			result.addGroup(GroupResult{Base: base, Status: GroupSkipped})
			continue
		}
		outcome, err := defragger.ProcessGroup(group, 0, 0, result.Alerts)
		if err != nil {
			engineLog.Errorf("processing pdos group %s failed: %v", base, err)
			e.recordFailure(result, processed, base, outcome, err)
			continue
		}
		processed.MarkPdosProcessed(base, time.Now().UTC())
		e.recordSuccess(result, base, outcome)
	}
}

// processUnit runs one dive or selftest in two phases: instrument-native
// log groups first, then everything else. A log group that gets
// reprocessed forces its paired data file through even on a cache hit,
// so derived output downstream is regenerated from matching inputs.
func (e *Engine) processUnit(ctx context.Context, unit int, files []string,
	result *RunResult, processed *cache.Cache, xfer *commlog.Log,
	defragger *defrag.Defragmenter) int {

	groups := partitionNonPdos(e.cls, files)
	bases := sortedBases(groups)
	fragmentSize := e.fragmentSize(unit, xfer)

	forced := make(map[string]bool)
	code := DiveNothingNew

	for _, phase := range [2]bool{true, false} {
		for _, base := range bases {
			if ctx.Err() != nil {
				return code
			}
			if e.isInstrumentLog(base) != phase {
				continue
			}
			group := groups[base]

			if !e.force && !forced[base] && !processed.IsStale(base, group) {
				result.addGroup(GroupResult{Base: base, Status: GroupSkipped})
				continue
			}

			outcome, err := defragger.ProcessGroup(group, fragmentSize, 0, result.Alerts)
			if err != nil {
				engineLog.Errorf("processing group %s failed: %v", base, err)
				e.recordFailure(result, processed, base, outcome, err)
				code = DiveFailed
				continue
			}

			processed.MarkProcessed(base, time.Now().UTC())
			e.recordSuccess(result, base, outcome)
			if code != DiveFailed {
				code = DiveProcessed
			}
			if phase {
				if fc, err := e.cls.Classify(base); err == nil {
					forced[fc.MakeData()] = true
				}
			}
		}
	}
	return code
}

func (e *Engine) recordSuccess(result *RunResult, base string, outcome *defrag.GroupOutcome) {
	result.addGroup(GroupResult{Base: base, Status: GroupProcessed, Files: outcome.Files})
	result.addIncomplete(outcome.Incomplete...)
}

func (e *Engine) recordFailure(result *RunResult, processed *cache.Cache,
	base string, outcome *defrag.GroupOutcome, err error) {

	processed.Invalidate(base)
	g := GroupResult{Base: base, Status: GroupFailed, Err: err}
	if outcome != nil {
		g.Files = outcome.Files
		result.addIncomplete(outcome.Incomplete...)
		result.addIncomplete(outcome.Output)
	} else {
		result.addIncomplete(base)
	}
	result.addGroup(g)
}

// fragmentSize resolves the validation fragment size for one dive: the
// configured override wins, then the size the dive declared over the
// uplink, then the most recent declaration from any session. Zero means
// unknown and disables size validation.
func (e *Engine) fragmentSize(dive int, xfer *commlog.Log) int64 {
	if s := e.cfg.FragmentSize(); s > 0 {
		return s
	}
	if s := xfer.FragmentSize(dive); s > 0 {
		return s
	}
	return xfer.LastFragmentSize()
}

// isInstrumentLog reports whether base is an instrument-native log group,
// the kind phase 1 handles.
func (e *Engine) isInstrumentLog(base string) bool {
	fc, err := e.cls.Classify(base)
	if err != nil {
		return false
	}
	return (fc.IsSeaglider() || fc.IsSelftest()) && fc.IsLog()
}

// partitionNonPdos groups files by base, dropping the pdos class handled
// in its own pass.
func partitionNonPdos(cls *glider.Classifier, files []string) map[string][]string {
	groups := make(map[string][]string)
	for _, path := range files {
		fc, err := cls.Classify(path)
		if err != nil {
			continue
		}
		if fc.IsPdosLog() {
			continue
		}
		groups[fc.BaseName()] = append(groups[fc.BaseName()], path)
	}
	return groups
}

func pdosStale(processed *cache.Cache, base string, group []string) bool {
	for _, path := range group {
		if processed.IsPdosStale(base, path) {
			return true
		}
	}
	return false
}

func sortedBases(groups map[string][]string) []string {
	bases := make([]string, 0, len(groups))
	for base := range groups {
		bases = append(bases, base)
	}
	sort.Strings(bases)
	return bases
}
