package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"runtime"
	"sync"
	"syscall"
	"time"

	"picshrink/internal/codec"
	"picshrink/internal/policy"
	"picshrink/internal/stats"
)

// State is the runner's coarse phase, surfaced on the dashboard status panel.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateEnumerating
	StateConverting
	StateRepacking
	StateReporting
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateEnumerating:
		return "enumerating"
	case StateConverting:
		return "converting"
	case StateRepacking:
		return "repacking"
	case StateReporting:
		return "reporting"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// WatchSource yields the roots for one round. Infinite mode calls it again
// each interval, so a source may return different roots over time.
type WatchSource interface {
	Roots(ctx context.Context) ([]string, error)
}

// StaticSource is the fixed argument list from the command line.
type StaticSource []string

func (s StaticSource) Roots(context.Context) ([]string, error) { return s, nil }

// FailedItem names one item that ended in a terminal failure.
type FailedItem struct {
	Display string
	Err     error
}

// RunReport summarizes a completed (or cancelled) run.
type RunReport struct {
	Policy        policy.ConversionPolicy
	Rounds        int
	Cancelled     bool
	Stats         stats.Snapshot
	RootErrors    []RootError
	ArchiveErrors []error
	FailedItems   []FailedItem
}

// Runner drives a whole run: resolve the policy, then loop rounds of
// enumerate → convert → repack until done, cancelled, or a fatal error.
type Runner struct {
	Store     policy.Store
	Preset    string
	Overrides policy.Overrides

	Codec  codec.Codec
	Stats  *stats.Stats
	Events *Events
	Log    *slog.Logger
	Source WatchSource

	// OnState, when set, observes every phase transition. Called from the
	// runner and collector goroutines; implementations must be safe for that.
	OnState func(State)
}

func (r *Runner) setState(s State) {
	if r.OnState != nil {
		r.OnState(s)
	}
	r.Events.Emit(PanelStatus, "%s", s)
}

// Run executes the full state machine. The returned report is valid even on
// error; Stats always reflects everything that actually happened.
func (r *Runner) Run(ctx context.Context) (RunReport, error) {
	r.setState(StateResolving)

	pol, err := r.Store.Resolve(r.Preset, r.Overrides)
	if err != nil {
		r.setState(StateReporting)
		return RunReport{Stats: r.Stats.Snapshot()}, err
	}
	r.Log.Info("policy resolved",
		"preset", r.Preset, "format", pol.Format, "quality", pol.Quality,
		"lossless", pol.Lossless, "min_width", pol.MinWidth, "infinite", pol.Infinite)

	blacklist, err := LoadBlacklist(pol.BlacklistFile)
	if err != nil {
		r.setState(StateReporting)
		return RunReport{Policy: pol, Stats: r.Stats.Snapshot()}, err
	}

	report := RunReport{Policy: pol}
	var runErr error

	for {
		report.Rounds++
		if runErr = r.runOnce(ctx, pol, blacklist, &report); runErr != nil {
			break
		}
		if !pol.Infinite || ctx.Err() != nil {
			break
		}

		r.setState(StateIdle)
		r.Events.Emit(PanelStatus, "next round in %s", pol.Interval)
		timer := time.NewTimer(pol.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		r.setState(StateCancelled)
		report.Cancelled = true
	}
	r.setState(StateReporting)
	report.Stats = r.Stats.Snapshot()
	return report, runErr
}

// runOnce performs a single round over the source's current roots.
func (r *Runner) runOnce(ctx context.Context, pol policy.ConversionPolicy, blacklist *Blacklist, report *RunReport) error {
	roots, err := r.Source.Roots(ctx)
	if err != nil {
		return fmt.Errorf("resolve roots: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	repacker := NewRepacker(pol, blacklist, r.Events, r.Log)
	enum := &Enumerator{
		Policy:    pol,
		Stats:     r.Stats,
		Events:    r.Events,
		Log:       r.Log,
		Repacker:  repacker,
		Blacklist: blacklist,
	}

	workers := pol.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	items := make(chan WorkItem, workers*2)
	results := make(chan ConversionResult, workers*2)

	r.setState(StateEnumerating)

	var rootErrs []RootError
	enumDone := make(chan struct{})
	go func() {
		defer close(enumDone)
		rootErrs = enum.Run(runCtx, roots, items)
		close(items)
	}()
	r.setState(StateConverting)

	deps := workerDeps{policy: pol, codec: r.Codec, stats: r.Stats, events: r.Events, log: r.Log}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(runCtx.Done(), items, results, deps)
		}()
	}

	collectorDone := make(chan error, 1)
	go func() {
		var fatal error
		for res := range results {
			if res.Status == StatusFailed {
				report.FailedItems = append(report.FailedItems, FailedItem{Display: res.Item.Display, Err: res.Err})
			}

			switch res.Item.Origin {
			case OriginArchive:
				if job := res.Item.Job; job != nil && job.memberCount() == 1 {
					r.setState(StateRepacking)
				}
				committed, err := repacker.Record(res)
				if committed {
					r.setState(StateConverting)
				}
				if err != nil {
					report.ArchiveErrors = append(report.ArchiveErrors, err)
					if fatal == nil && isResourceError(err) {
						fatal = err
						cancel()
					}
				}
			case OriginFile:
				if res.Status != StatusConverted {
					continue
				}
				if err := flushLoose(res, r.Events); err != nil {
					r.Log.Warn("writing converted file failed", "item", res.Item.Display, "error", err)
					report.FailedItems = append(report.FailedItems, FailedItem{Display: res.Item.Display, Err: err})
					if fatal == nil && isResourceError(err) {
						fatal = err
						cancel()
					}
				}
			}
		}
		collectorDone <- fatal
	}()

	wg.Wait()
	close(results)
	fatal := <-collectorDone

	// Workers can exit early on cancellation while the enumerator is still
	// running; unblock it and wait for it before touching anything it owns.
	cancel()
	<-enumDone

	// Jobs whose members never all arrived (cancellation, fatal error) give
	// up their staging areas and locks; the originals stay untouched.
	repacker.AbortOpen()

	report.RootErrors = append(report.RootErrors, rootErrs...)

	if fatal != nil {
		return fatal
	}
	if ctx.Err() != nil {
		return nil
	}
	if len(roots) > 0 && len(rootErrs) == len(roots) && !pol.Infinite {
		return fmt.Errorf("all %d root(s) failed to enumerate", len(roots))
	}
	return nil
}

// isResourceError reports whether an error signals an environment the run
// cannot make progress in, as opposed to one bad archive or file.
func isResourceError(err error) bool {
	return errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.EDQUOT) ||
		errors.Is(err, fs.ErrPermission)
}
