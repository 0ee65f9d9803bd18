package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"picshrink/internal/codec"
	"picshrink/internal/logging"
	"picshrink/internal/policy"
	"picshrink/internal/stats"
)

func newTestRunner(roots []string, c codec.Codec, inputs map[string]string, flags map[string]bool) *Runner {
	merged := map[string]string{"format": "avif", "workers": "2"}
	for k, v := range inputs {
		merged[k] = v
	}
	return &Runner{
		Store:     policy.Builtin(),
		Overrides: policy.Overrides{Inputs: merged, Flags: flags},
		Codec:     c,
		Stats:     stats.New(0),
		Log:       logging.Discard(),
		Source:    StaticSource(roots),
	}
}

func TestRunConvertsLooseFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.png"), buildPNG(t, 64, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.webp"), []byte("webp-ish, skipped by ext"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := newTestRunner([]string{dir}, &fakeCodec{}, nil, nil)
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	v := report.Stats
	if v.Queued != 2 || v.Converted != 1 || v.Skipped != 1 || v.Failed != 0 {
		t.Errorf("stats = %d queued %d/%d/%d", v.Queued, v.Converted, v.Skipped, v.Failed)
	}
	if v.Queued != v.Done()+v.Failed {
		t.Errorf("invariant broken: queued=%d done=%d failed=%d", v.Queued, v.Done(), v.Failed)
	}

	if _, err := os.Stat(filepath.Join(dir, "a.avif")); err != nil {
		t.Errorf("converted file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.png")); !errors.Is(err, os.ErrNotExist) {
		t.Error("original should be removed after a successful rename")
	}
	if _, err := os.Stat(filepath.Join(dir, "b.webp")); err != nil {
		t.Errorf("skipped file must stay untouched: %v", err)
	}
}

func TestRunRepacksArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "comic.cbz")
	buildZip(t, archive, map[string][]byte{
		"p1.png":   buildPNG(t, 64, 64),
		"p2.png":   buildPNG(t, 48, 48),
		"p3.png":   []byte("corrupt member, decode fails"),
		"info.txt": []byte("notes"),
	})

	runner := newTestRunner([]string{dir}, &fakeCodec{}, nil, nil)
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	v := report.Stats
	if v.Queued != 3 {
		t.Errorf("queued = %d, want 3 (text member is passthrough)", v.Queued)
	}
	if v.Converted != 2 || v.Failed != 1 {
		t.Errorf("converted/failed = %d/%d, want 2/1", v.Converted, v.Failed)
	}
	if len(report.FailedItems) != 1 {
		t.Errorf("failed items = %d, want 1", len(report.FailedItems))
	}

	members := readZipNames(t, archive)
	for _, want := range []string{"p1.avif", "p2.avif", "p3.png", "info.txt"} {
		if _, ok := members[want]; !ok {
			t.Errorf("rebuilt archive missing member %s; have %v", want, memberNames(members))
		}
	}
	if _, ok := members["p1.png"]; ok {
		t.Error("converted member should not keep its original name")
	}
	if !bytesEqual(members["p3.png"], []byte("corrupt member, decode fails")) {
		t.Error("failed member must keep its original bytes")
	}

	recName := recordMemberName("comic.cbz")
	recData, ok := members[recName]
	if !ok {
		t.Fatalf("record member %s missing; have %v", recName, memberNames(members))
	}
	rec, err := parseRecord(recData)
	if err != nil {
		t.Fatalf("parse record: %v", err)
	}
	if rec.Config.TargetFormat != "avif" {
		t.Errorf("record target = %s, want avif", rec.Config.TargetFormat)
	}
	if rec.Stats.Converted != 2 || rec.Stats.Failed != 1 {
		t.Errorf("record stats = %+v", rec.Stats)
	}

	assertNoLeftovers(t, dir)
}

func TestRunAbortsArchiveOnFailure(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "comic.cbz")
	buildZip(t, archive, map[string][]byte{
		"p1.png": buildPNG(t, 64, 64),
		"p2.png": []byte("corrupt member, decode fails"),
	})
	before, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}

	runner := newTestRunner([]string{dir}, &fakeCodec{}, map[string]string{"fail_mode": "abort"}, nil)
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(report.ArchiveErrors) != 1 {
		t.Fatalf("archive errors = %d, want 1", len(report.ArchiveErrors))
	}
	var aerr *ArchiveError
	if !errors.As(report.ArchiveErrors[0], &aerr) {
		t.Errorf("want *ArchiveError, got %v", report.ArchiveErrors[0])
	}

	after, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}
	if !bytesEqual(before, after) {
		t.Error("aborted archive must be byte-identical to the original")
	}
	assertNoLeftovers(t, dir)
}

func TestRunSkipsAlreadyConvertedArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "comic.cbz")
	buildZip(t, archive, map[string][]byte{
		"p1.png": buildPNG(t, 64, 64),
	})

	first := newTestRunner([]string{dir}, &fakeCodec{}, nil, nil)
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	converted, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}

	second := newTestRunner([]string{dir}, &fakeCodec{}, nil, nil)
	report, err := second.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if report.Stats.Queued != 0 {
		t.Errorf("second run queued = %d, want 0", report.Stats.Queued)
	}
	after, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}
	if !bytesEqual(converted, after) {
		t.Error("already-converted archive must not be rewritten")
	}
}

func TestRunNestedArchive(t *testing.T) {
	dir := t.TempDir()

	innerDir := t.TempDir()
	inner := filepath.Join(innerDir, "inner.zip")
	buildZip(t, inner, map[string][]byte{"deep.png": buildPNG(t, 64, 64)})
	innerBytes, err := os.ReadFile(inner)
	if err != nil {
		t.Fatal(err)
	}

	outer := filepath.Join(dir, "outer.zip")
	buildZip(t, outer, map[string][]byte{
		"inner.zip": innerBytes,
		"top.png":   buildPNG(t, 48, 48),
	})

	runner := newTestRunner([]string{dir}, &fakeCodec{}, nil, nil)
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Stats.Converted != 2 {
		t.Errorf("converted = %d, want 2 (top.png and deep.png)", report.Stats.Converted)
	}

	members := readZipNames(t, outer)
	if _, ok := members["top.avif"]; !ok {
		t.Errorf("outer archive missing top.avif; have %v", memberNames(members))
	}
	innerData, ok := members["inner.zip"]
	if !ok {
		t.Fatalf("outer archive missing inner.zip; have %v", memberNames(members))
	}

	innerPath := filepath.Join(t.TempDir(), "rewritten-inner.zip")
	if err := os.WriteFile(innerPath, innerData, 0o644); err != nil {
		t.Fatal(err)
	}
	innerMembers := readZipNames(t, innerPath)
	if _, ok := innerMembers["deep.avif"]; !ok {
		t.Errorf("inner archive missing deep.avif; have %v", memberNames(innerMembers))
	}
	if _, ok := innerMembers[recordMemberName("inner.zip")]; !ok {
		t.Error("inner archive missing its conversion record")
	}

	assertNoLeftovers(t, dir)
}

func TestRunBlacklistsGrownArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "tiny.zip")
	buildZip(t, archive, map[string][]byte{"p1.png": buildPNG(t, 8, 8)})

	blacklistFile := filepath.Join(t.TempDir(), "blacklist.json")
	inputs := map[string]string{"blacklist_file": blacklistFile}

	grow := &fakeCodec{outSize: 1 << 20}
	first := newTestRunner([]string{dir}, grow, inputs, nil)
	report, err := first.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if report.Stats.Converted != 1 {
		t.Errorf("converted = %d, want 1", report.Stats.Converted)
	}

	data, err := os.ReadFile(blacklistFile)
	if err != nil {
		t.Fatalf("blacklist file: %v", err)
	}
	if !strings.Contains(string(data), "tiny.zip") {
		t.Errorf("blacklist %s should name the grown archive", data)
	}

	second := newTestRunner([]string{dir}, grow, inputs, nil)
	report, err = second.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Stats.Queued != 0 {
		t.Errorf("second run queued = %d, want 0 for a blacklisted archive", report.Stats.Queued)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "comic.cbz")
	buildZip(t, archive, map[string][]byte{"p1.png": buildPNG(t, 64, 64)})
	before, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := newTestRunner([]string{dir}, &fakeCodec{}, nil, nil)
	report, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("cancelled run should not error: %v", err)
	}
	if !report.Cancelled {
		t.Error("report should be marked cancelled")
	}

	after, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}
	if !bytesEqual(before, after) {
		t.Error("cancellation must leave originals untouched")
	}
	assertNoLeftovers(t, dir)
}

func TestRunUnknownPreset(t *testing.T) {
	runner := newTestRunner([]string{t.TempDir()}, &fakeCodec{}, nil, nil)
	runner.Preset = "no-such-preset"

	_, err := runner.Run(context.Background())
	var perr *policy.Error
	if !errors.As(err, &perr) {
		t.Fatalf("want *policy.Error, got %v", err)
	}
}

func TestRunMissingRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")

	runner := newTestRunner([]string{missing}, &fakeCodec{}, nil, nil)
	report, err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("a run whose every root fails should error")
	}
	if len(report.RootErrors) != 1 {
		t.Errorf("root errors = %d, want 1", len(report.RootErrors))
	}
}

func TestRunKeepsExistingSiblingOnRename(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.png"), buildPNG(t, 64, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	prior := []byte("prior avif output, keep me")
	if err := os.WriteFile(filepath.Join(dir, "a.avif"), prior, 0o644); err != nil {
		t.Fatal(err)
	}

	runner := newTestRunner([]string{dir}, &fakeCodec{}, nil, nil)
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	v := report.Stats
	if v.Converted != 1 || v.Skipped != 1 {
		t.Errorf("converted/skipped = %d/%d, want 1/1", v.Converted, v.Skipped)
	}

	got, err := os.ReadFile(filepath.Join(dir, "a.avif"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytesEqual(got, prior) {
		t.Error("pre-existing a.avif must never be overwritten by a rename")
	}
	if _, err := os.Stat(filepath.Join(dir, "a.1.avif")); err != nil {
		t.Errorf("converted output should land on a uniquified name: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.png")); !errors.Is(err, os.ErrNotExist) {
		t.Error("original should still be removed after a successful flush")
	}
}

func TestRunArchiveMemberNameCollision(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "mix.cbz")

	avifBytes := append([]byte{0x00, 0x00, 0x00, 0x20}, []byte("ftypavif")...)
	avifBytes = append(avifBytes, make([]byte, 12)...)
	buildZip(t, archive, map[string][]byte{
		"a.png":  buildPNG(t, 64, 64),
		"a.avif": avifBytes,
	})

	// Keep .avif out of the skip set so the pre-scan does not skip the
	// archive whole; the member is excluded by the already-target check.
	runner := newTestRunner([]string{dir}, &fakeCodec{}, map[string]string{"skip": ".jxl,.webp"}, nil)
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Stats.Converted != 1 || report.Stats.Skipped != 1 {
		t.Errorf("converted/skipped = %d/%d, want 1/1", report.Stats.Converted, report.Stats.Skipped)
	}

	members := readZipNames(t, archive)
	if !bytesEqual(members["a.avif"], avifBytes) {
		t.Error("skipped member must keep its name and original bytes")
	}
	conv, ok := members["a.1.avif"]
	if !ok {
		t.Fatalf("converted member should be uniquified to a.1.avif; have %v", memberNames(members))
	}
	if len(conv) != 64 {
		t.Errorf("converted member is %d bytes, want the 64-byte encoder output", len(conv))
	}
}

func TestRunCancelledMidRun(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "comic.cbz")
	buildZip(t, archive, map[string][]byte{
		"p1.png": buildPNG(t, 64, 64),
		"p2.png": buildPNG(t, 64, 64),
		"p3.png": buildPNG(t, 64, 64),
	})
	before, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	fc := &fakeCodec{encodeHook: func() { once.Do(cancel) }}

	// One worker: the first encode cancels the run, that conversion still
	// finishes, and the remaining queued members go unclaimed.
	runner := newTestRunner([]string{dir}, fc, map[string]string{"workers": "1"}, nil)
	report, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("cancelled run should not error: %v", err)
	}
	if !report.Cancelled {
		t.Error("report should be marked cancelled")
	}
	if report.Stats.Converted != 1 {
		t.Errorf("converted = %d, want exactly the in-flight item", report.Stats.Converted)
	}

	after, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}
	if !bytesEqual(before, after) {
		t.Error("a partially converted archive must stay byte-identical")
	}
	assertNoLeftovers(t, dir)
}

func TestRunMinWidthPreset(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "narrow.png"), buildPNG(t, 1200, 4), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "wide.png"), buildPNG(t, 2000, 4), 0o644); err != nil {
		t.Fatal(err)
	}

	fc := &fakeCodec{}
	runner := newTestRunner([]string{dir}, fc, nil, nil)
	runner.Preset = "AVIF-80-1800"

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	v := report.Stats
	if v.Converted != 1 || v.Skipped != 1 || v.Failed != 0 {
		t.Errorf("counts = %d/%d/%d, want 1 converted 1 skipped", v.Converted, v.Skipped, v.Failed)
	}
	if _, err := os.Stat(filepath.Join(dir, "wide.avif")); err != nil {
		t.Errorf("wide image should be converted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "narrow.png")); err != nil {
		t.Errorf("narrow image must stay untouched: %v", err)
	}
}

func TestRunLosslessJXLPreset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	if err := os.WriteFile(path, buildJPEG(t, 32, 32), 0o644); err != nil {
		t.Fatal(err)
	}

	fc := &fakeCodec{}
	runner := &Runner{
		Store:  policy.Builtin(),
		Preset: "JXL-lossless",
		Codec:  fc,
		Stats:  stats.New(0),
		Log:    logging.Discard(),
		Source: StaticSource{path},
	}

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Stats.Converted != 1 {
		t.Fatalf("converted = %d, want 1", report.Stats.Converted)
	}

	encodes := fc.encodeOptions()
	if len(encodes) != 1 || !encodes[0].Lossless {
		t.Errorf("encoder options = %+v, want one lossless encode", encodes)
	}
	if _, err := os.Stat(filepath.Join(dir, "photo.jxl")); err != nil {
		t.Errorf("converted jxl missing: %v", err)
	}
}

func memberNames(members map[string][]byte) []string {
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	return names
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// assertNoLeftovers checks that no staging directories or lock files survive
// a finished run.
func assertNoLeftovers(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), stagingPrefix) {
			t.Errorf("staging leftover: %s", entry.Name())
		}
		if strings.HasSuffix(entry.Name(), ".lock") {
			t.Errorf("lock leftover: %s", entry.Name())
		}
	}
}
