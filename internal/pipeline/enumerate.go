package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	gopath "path"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"picshrink/internal/policy"
	"picshrink/internal/stats"
)

var imageExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {}, ".bmp": {},
	".gif": {}, ".tif": {}, ".tiff": {}, ".avif": {}, ".jxl": {},
}

var archiveExts = map[string]struct{}{
	".zip": {}, ".cbz": {},
}

// prescanSample is how many leading member names the archive pre-scan
// inspects for skip-format extensions before opening a full job.
const prescanSample = 10

// Enumerator walks roots and feeds work items into the shared queue. It runs
// on a single goroutine; cancellation is observed between yields.
type Enumerator struct {
	Policy    policy.ConversionPolicy
	Stats     *stats.Stats
	Events    *Events
	Log       *slog.Logger
	Repacker  *Repacker
	Blacklist *Blacklist
}

// RootError pairs a root with the enumeration failure that skipped it.
type RootError struct {
	Root string
	Err  error
}

// Run enumerates every root. Per-root failures are collected and returned;
// they never abort sibling roots.
func (e *Enumerator) Run(ctx context.Context, roots []string, out chan<- WorkItem) []RootError {
	var rootErrs []RootError
	for _, root := range roots {
		if ctx.Err() != nil {
			break
		}
		if err := e.enumerateRoot(ctx, root, out); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			rootErrs = append(rootErrs, RootError{Root: root, Err: err})
			e.Events.Emit(PanelFile, "⚠ %s: %v", root, err)
			e.Log.Warn("root enumeration failed", "root", root, "error", err)
		}
	}
	return rootErrs
}

func (e *Enumerator) enumerateRoot(ctx context.Context, root string, out chan<- WorkItem) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return &EnumerationError{Root: root, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return &EnumerationError{Root: root, Err: err}
	}

	if !info.IsDir() {
		ext := strings.ToLower(filepath.Ext(abs))
		switch {
		case isArchiveExt(ext):
			_, err := e.enumerateArchive(ctx, abs, abs, nil, "", out)
			return err
		case isImageExt(ext):
			return e.sendItem(ctx, out, WorkItem{
				Origin:  OriginFile,
				Path:    abs,
				Display: filepath.Base(abs),
				Size:    info.Size(),
			})
		default:
			return &EnumerationError{Root: root, Err: errors.New("not a recognized image or archive")}
		}
	}

	fsys := os.DirFS(abs)
	walkErr := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, inErr error) error {
		if inErr != nil {
			return inErr
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), stagingPrefix) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		full := filepath.Join(abs, path)
		ext := strings.ToLower(filepath.Ext(path))
		switch {
		case isArchiveExt(ext):
			if _, archErr := e.enumerateArchive(ctx, full, full, nil, "", out); archErr != nil {
				if errors.Is(archErr, context.Canceled) {
					return archErr
				}
				// A bad archive skips only itself, not the directory walk.
				e.Events.Emit(PanelArchive, "⚠ %s: %v", path, archErr)
				e.Log.Warn("archive skipped", "archive", full, "error", archErr)
			}
			return nil
		case isImageExt(ext):
			fileInfo, infoErr := d.Info()
			if infoErr != nil {
				return nil
			}
			return e.sendItem(ctx, out, WorkItem{
				Origin:  OriginFile,
				Path:    full,
				Display: path,
				Size:    fileInfo.Size(),
			})
		default:
			return nil
		}
	})
	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) {
			return walkErr
		}
		return &EnumerationError{Root: root, Err: walkErr}
	}
	return nil
}

func (e *Enumerator) sendItem(ctx context.Context, out chan<- WorkItem, item WorkItem) error {
	e.Stats.AddQueued(1)
	select {
	case out <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nestedRef struct {
	member  string
	path    string
	display string
}

// enumerateArchive opens one archive, extracts its convertible members into
// a staging area, and queues them as work items sharing one ArchiveJob.
// Archives nested one level deep become child jobs whose commit feeds back
// into the parent. Returns whether a job was opened.
func (e *Enumerator) enumerateArchive(ctx context.Context, path, display string, parent *ArchiveJob, parentMember string, out chan<- WorkItem) (bool, error) {
	base := filepath.Base(path)

	if e.Blacklist.Contains(path) {
		e.Events.Emit(PanelArchive, "⏭ %s: blacklisted", base)
		return false, nil
	}
	if e.Policy.BlacklistMatch(display) {
		e.Events.Emit(PanelArchive, "⏭ %s: path matches blacklist", base)
		return false, nil
	}

	// Top-level archives take a cross-process lock for the whole
	// enumeration-through-commit span. Nested archives live inside our own
	// staging area and need none.
	var lock *flock.Flock
	if parent == nil {
		lock = flock.New(path + ".lock")
		locked, lockErr := lock.TryLock()
		if lockErr != nil {
			return false, &EnumerationError{Root: path, Err: lockErr}
		}
		if !locked {
			return false, &EnumerationError{Root: path, Err: errors.New("archive locked by another instance")}
		}
	}
	unlock := func() {
		if lock != nil {
			lockPath := lock.Path()
			_ = lock.Unlock()
			_ = os.Remove(lockPath)
		}
	}

	src, err := zip.OpenReader(path)
	if err != nil {
		unlock()
		return false, &EnumerationError{Root: path, Err: err}
	}

	recordName := recordMemberName(base)
	if skip, reason := e.prescan(&src.Reader, recordName); skip {
		src.Close()
		unlock()
		e.Events.Emit(PanelArchive, "⏭ %s: %s", base, reason)
		return false, nil
	}

	staging, err := os.MkdirTemp(filepath.Dir(path), stagingPrefix)
	if err != nil {
		src.Close()
		unlock()
		return false, &EnumerationError{Root: path, Err: err}
	}

	job := newArchiveJob(path, staging, lock)
	job.parent = parent
	job.parentMember = parentMember

	var items []WorkItem
	var nested []nestedRef

	buildErr := func() error {
		for _, f := range src.File {
			if f.FileInfo().IsDir() || f.Name == recordName || !fs.ValidPath(f.Name) {
				continue
			}
			ext := strings.ToLower(gopath.Ext(f.Name))
			switch {
			case isImageExt(ext):
				dest := filepath.Join(staging, "work", filepath.FromSlash(f.Name))
				if err := extractMember(f, dest); err != nil {
					return fmt.Errorf("extract %s: %w", f.Name, err)
				}
				job.addMember()
				items = append(items, WorkItem{
					Origin:  OriginArchive,
					Path:    dest,
					Display: display + "!" + f.Name,
					Member:  f.Name,
					Job:     job,
					Size:    int64(f.UncompressedSize64),
				})
			case isArchiveExt(ext) && parent == nil:
				dest := filepath.Join(staging, "nested", filepath.FromSlash(f.Name))
				if err := extractMember(f, dest); err != nil {
					return fmt.Errorf("extract %s: %w", f.Name, err)
				}
				job.addMember()
				nested = append(nested, nestedRef{member: f.Name, path: dest, display: display + "!" + f.Name})
			}
			// Anything else is a passthrough member, copied at commit.
		}
		return nil
	}()
	src.Close()

	if buildErr != nil {
		job.discard()
		return false, &EnumerationError{Root: path, Err: buildErr}
	}
	if job.memberCount() == 0 {
		job.discard()
		e.Events.Emit(PanelArchive, "⏭ %s: nothing to convert", base)
		return false, nil
	}

	e.Repacker.register(job)
	e.Events.Emit(PanelArchive, "📦 %s: %d member(s) queued", base, job.memberCount())
	e.Log.Info("archive opened", "archive", path, "members", job.memberCount())

	for _, item := range items {
		if err := e.sendItem(ctx, out, item); err != nil {
			return true, err
		}
	}

	for _, n := range nested {
		opened, nestErr := e.enumerateArchive(ctx, n.path, n.display, job, n.member, out)
		if nestErr != nil {
			if errors.Is(nestErr, context.Canceled) {
				return true, nestErr
			}
			e.Log.Warn("nested archive skipped", "archive", n.display, "error", nestErr)
		}
		if !opened {
			// The nested archive produced no job; its original bytes ride
			// along unchanged so the parent can still reach terminal state.
			if _, recErr := e.Repacker.recordOutcome(job, n.member, memberOutcome{status: StatusSkipped}, ConversionResult{}); recErr != nil {
				e.Log.Warn("archive finalize failed", "archive", path, "error", recErr)
			}
		}
	}

	return true, nil
}

// prescan decides whether the whole archive can be skipped without opening a
// job: a conversion record with identical config means it was already
// processed; a skip-format extension in the leading member names means a
// previous run already converted its images.
func (e *Enumerator) prescan(src *zip.Reader, recordName string) (bool, string) {
	sampled := 0
	for _, f := range src.File {
		if f.Name == recordName {
			rc, err := f.Open()
			if err != nil {
				continue
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				continue
			}
			rec, err := parseRecord(data)
			if err == nil && rec.Config == policyRecordConfig(e.Policy) {
				return true, "already converted with this configuration"
			}
			continue
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if sampled < prescanSample {
			sampled++
			ext := strings.ToLower(gopath.Ext(f.Name))
			if e.Policy.SkipsExt(ext) {
				return true, fmt.Sprintf("contains %s members", ext)
			}
		}
	}
	return false, ""
}

func extractMember(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func isImageExt(ext string) bool {
	_, ok := imageExts[ext]
	return ok
}

func isArchiveExt(ext string) bool {
	_, ok := archiveExts[ext]
	return ok
}
