package pipeline

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	gopath "path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"picshrink/internal/policy"
)

// stagingPrefix marks job-owned staging directories so directory walks and
// watch rounds never descend into them.
const stagingPrefix = ".picshrink-"

// ArchiveJob groups all work items belonging to one source archive. It owns
// a staging directory and, for top-level archives, a cross-process file lock
// held from enumeration until commit or abort.
type ArchiveJob struct {
	ID         string
	SourcePath string
	StagingDir string

	lock         *flock.Flock
	parent       *ArchiveJob
	parentMember string

	mu        sync.Mutex
	pending   int
	outcomes  map[string]memberOutcome
	converted int
	skipped   int
	failed    int
	bytesIn   int64
	bytesOut  int64
	seq       int
}

type memberOutcome struct {
	status  Status
	outPath string // staging file holding the member's new bytes
	newName string // member name with rewritten extension, "" = unchanged
}

func newArchiveJob(source, staging string, lock *flock.Flock) *ArchiveJob {
	return &ArchiveJob{
		ID:         uuid.NewString(),
		SourcePath: source,
		StagingDir: staging,
		lock:       lock,
		outcomes:   make(map[string]memberOutcome),
	}
}

func (j *ArchiveJob) addMember() {
	j.mu.Lock()
	j.pending++
	j.mu.Unlock()
}

// memberCount returns the number of members registered so far.
func (j *ArchiveJob) memberCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pending
}

// discard releases the staging area and lock without touching the original.
func (j *ArchiveJob) discard() {
	if j.StagingDir != "" {
		_ = os.RemoveAll(j.StagingDir)
	}
	j.unlock()
}

func (j *ArchiveJob) unlock() {
	if j.lock == nil {
		return
	}
	path := j.lock.Path()
	_ = j.lock.Unlock()
	_ = os.Remove(path)
	j.lock = nil
}

// Repacker accumulates conversion results per archive job and rewrites each
// archive once all of its members are terminal. Commit is atomic: the new
// archive is staged next to the original and swapped in with a rename.
type Repacker struct {
	mode      policy.FailureMode
	cfg       recordConfig
	blacklist *Blacklist
	events    *Events
	log       *slog.Logger

	mu   sync.Mutex
	open map[*ArchiveJob]struct{}
}

// NewRepacker builds a repacker for one run.
func NewRepacker(pol policy.ConversionPolicy, blacklist *Blacklist, events *Events, log *slog.Logger) *Repacker {
	return &Repacker{
		mode:      pol.OnFailedMember,
		cfg:       policyRecordConfig(pol),
		blacklist: blacklist,
		events:    events,
		log:       log,
		open:      make(map[*ArchiveJob]struct{}),
	}
}

func (r *Repacker) register(job *ArchiveJob) {
	r.mu.Lock()
	r.open[job] = struct{}{}
	r.mu.Unlock()
}

func (r *Repacker) unregister(job *ArchiveJob) {
	r.mu.Lock()
	delete(r.open, job)
	r.mu.Unlock()
}

// Record folds one result into its job. When the job's last member reaches a
// terminal state the archive is committed (or aborted, per policy).
// Returns whether at least one archive was committed.
func (r *Repacker) Record(res ConversionResult) (bool, error) {
	job := res.Item.Job
	if job == nil {
		return false, nil
	}

	outcome := memberOutcome{status: res.Status}
	if res.Status == StatusConverted {
		path, err := r.flushOutput(job, res)
		if err != nil {
			// Flushing failed: treat the member as failed, keep its original.
			r.log.Warn("staging converted member failed", "archive", job.SourcePath, "member", res.Item.Member, "error", err)
			outcome = memberOutcome{status: StatusFailed}
		} else {
			outcome.outPath = path
			outcome.newName = rewriteExt(res.Item.Member, res.Format.Ext())
		}
	}

	return r.recordOutcome(job, res.Item.Member, outcome, res)
}

func (r *Repacker) flushOutput(job *ArchiveJob, res ConversionResult) (string, error) {
	job.mu.Lock()
	job.seq++
	seq := job.seq
	job.mu.Unlock()

	dir := filepath.Join(job.StagingDir, "conv")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%06d%s", seq, res.Format.Ext()))
	if err := os.WriteFile(path, res.Output, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Repacker) recordOutcome(job *ArchiveJob, member string, outcome memberOutcome, res ConversionResult) (bool, error) {
	job.mu.Lock()
	job.outcomes[member] = outcome
	switch outcome.status {
	case StatusConverted:
		job.converted++
		job.bytesIn += res.Item.Size
		job.bytesOut += res.OutSize
	case StatusSkipped:
		job.skipped++
	case StatusFailed:
		job.failed++
	}
	job.pending--
	last := job.pending == 0
	job.mu.Unlock()

	if !last {
		return false, nil
	}
	return r.finish(job)
}

// finish commits or aborts a job whose members are all terminal, then
// cascades the outcome to the parent job for nested archives.
func (r *Repacker) finish(job *ArchiveJob) (bool, error) {
	r.unregister(job)

	if job.failed > 0 && r.mode == policy.FailAbortArchive {
		job.discard()
		err := &ArchiveError{Archive: job.SourcePath, Err: fmt.Errorf("%d member(s) failed, archive aborted", job.failed)}
		r.events.Emit(PanelArchive, "❌ aborted %s: %d failed member(s)", filepath.Base(job.SourcePath), job.failed)
		committed, cascadeErr := r.cascade(job, StatusSkipped)
		if cascadeErr != nil {
			return committed, cascadeErr
		}
		return committed, err
	}

	if err := r.rebuild(job); err != nil {
		job.discard()
		r.events.Emit(PanelArchive, "❌ repack failed %s: %v", filepath.Base(job.SourcePath), err)
		committed, cascadeErr := r.cascade(job, StatusSkipped)
		if cascadeErr != nil {
			return committed, cascadeErr
		}
		return committed, &ArchiveError{Archive: job.SourcePath, Err: err}
	}

	saved := job.bytesIn - job.bytesOut
	r.events.Emit(PanelArchive, "✅ %s: %d converted, %d skipped, %d failed, saved %s",
		filepath.Base(job.SourcePath), job.converted, job.skipped, job.failed, humanize.Bytes(uint64(max64(saved, 0))))
	r.log.Info("archive committed",
		"archive", job.SourcePath, "converted", job.converted, "skipped", job.skipped, "failed", job.failed)

	if job.parent == nil && saved < 0 && job.converted > 0 {
		if err := r.blacklist.Add(job.SourcePath); err != nil {
			r.log.Warn("blacklist update failed", "archive", job.SourcePath, "error", err)
		} else {
			r.events.Emit(PanelFile, "blacklisted %s (grew by %s)", filepath.Base(job.SourcePath), humanize.Bytes(uint64(-saved)))
		}
	}

	job.discard()

	_, err := r.cascade(job, StatusConverted)
	return true, err
}

// cascade reports a nested job's terminal state to its parent as one member
// outcome. The rebuilt inner archive sits at the job's source path inside the
// parent's staging area.
func (r *Repacker) cascade(job *ArchiveJob, status Status) (bool, error) {
	if job.parent == nil {
		return false, nil
	}
	outcome := memberOutcome{status: status}
	if status == StatusConverted {
		outcome.outPath = job.SourcePath
	}
	return r.recordOutcome(job.parent, job.parentMember, outcome, ConversionResult{})
}

// rebuild stages the replacement archive and atomically swaps it over the
// original. The original is never touched until the rename.
func (r *Repacker) rebuild(job *ArchiveJob) error {
	src, err := zip.OpenReader(job.SourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	stagedPath := filepath.Join(job.StagingDir, "repack.zip")
	out, err := os.Create(stagedPath)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)

	recordName := recordMemberName(filepath.Base(job.SourcePath))

	// Names kept by passthrough members are claimed up front so a converted
	// member's rewritten name can never collide with them.
	used := make(map[string]struct{}, len(src.File))
	for _, f := range src.File {
		if f.Name == recordName {
			continue
		}
		if outcome, ok := job.outcomes[f.Name]; !ok || outcome.status != StatusConverted {
			used[f.Name] = struct{}{}
		}
	}

	writeErr := func() error {
		for _, f := range src.File {
			if f.Name == recordName {
				// A stale record from an earlier run; the fresh one is
				// appended below.
				continue
			}
			outcome, ok := job.outcomes[f.Name]
			if !ok || outcome.status != StatusConverted {
				// Non-image members, skipped members, and failed members
				// keep their original bytes.
				if err := zw.Copy(f); err != nil {
					return fmt.Errorf("copy member %s: %w", f.Name, err)
				}
				continue
			}

			name := outcome.newName
			if name == "" {
				name = f.Name
			}
			name = uniqueMemberName(used, name)
			used[name] = struct{}{}
			hdr := &zip.FileHeader{Name: name, Method: zip.Store, Modified: f.Modified}
			w, err := zw.CreateHeader(hdr)
			if err != nil {
				return err
			}
			conv, err := os.Open(outcome.outPath)
			if err != nil {
				return err
			}
			_, err = io.Copy(w, conv)
			conv.Close()
			if err != nil {
				return fmt.Errorf("write member %s: %w", name, err)
			}
		}

		recData, err := buildRecord(filepath.Base(job.SourcePath), r.cfg, recordStats{
			Converted: job.converted,
			Skipped:   job.skipped,
			Failed:    job.failed,
			BytesIn:   job.bytesIn,
			BytesOut:  job.bytesOut,
		})
		if err != nil {
			return err
		}
		w, err := zw.Create(recordName)
		if err != nil {
			return err
		}
		_, err = w.Write(recData)
		return err
	}()

	if writeErr != nil {
		_ = zw.Close()
		_ = out.Close()
		return writeErr
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Rename(stagedPath, job.SourcePath)
}

// AbortOpen discards every job that never reached commit. Called after a
// cancelled or torn-down run so no staging areas or locks leak.
func (r *Repacker) AbortOpen() {
	r.mu.Lock()
	jobs := make([]*ArchiveJob, 0, len(r.open))
	for job := range r.open {
		jobs = append(jobs, job)
	}
	r.open = make(map[*ArchiveJob]struct{})
	r.mu.Unlock()

	for _, job := range jobs {
		r.log.Info("discarding uncommitted archive job", "archive", job.SourcePath)
		job.discard()
	}
}

// flushLoose writes a converted loose file next to its source via a
// temp-file rename, then removes the original when the extension changed.
func flushLoose(res ConversionResult, events *Events) error {
	item := res.Item
	destPath := rewriteExt(item.Path, res.Format.Ext())
	destDir := filepath.Dir(item.Path)

	if destPath != item.Path {
		if _, statErr := os.Stat(destPath); statErr == nil {
			// A sibling already owns the target name; never clobber it.
			alt, altErr := uniquePath(destPath)
			if altErr != nil {
				return altErr
			}
			events.Emit(PanelFile, "%s exists, writing %s instead", filepath.Base(destPath), filepath.Base(alt))
			destPath = alt
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			return statErr
		}
	}

	srcInfo, err := os.Stat(item.Path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(destDir, stagingPrefix+"*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(srcInfo.Mode()); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(res.Output); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return err
	}
	if destPath != item.Path {
		if err := os.Remove(item.Path); err != nil {
			return err
		}
	}

	events.Emit(PanelFile, "wrote %s", filepath.Base(destPath))
	return nil
}

func rewriteExt(member, ext string) string {
	return strings.TrimSuffix(member, filepath.Ext(member)) + ext
}

// uniquePath finds an unused sibling of path by inserting a counter before
// the extension.
func uniquePath(path string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; i < 10000; i++ {
		alt := fmt.Sprintf("%s.%d%s", stem, i, ext)
		if _, err := os.Stat(alt); errors.Is(err, fs.ErrNotExist) {
			return alt, nil
		}
	}
	return "", fmt.Errorf("no free sibling name for %s", path)
}

// uniqueMemberName resolves member-name collisions inside a rebuilt archive.
func uniqueMemberName(used map[string]struct{}, name string) string {
	if _, ok := used[name]; !ok {
		return name
	}
	ext := gopath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		alt := fmt.Sprintf("%s.%d%s", stem, i, ext)
		if _, ok := used[alt]; !ok {
			return alt
		}
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
