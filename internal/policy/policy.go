// Package policy resolves named presets and ad-hoc overrides into a
// validated, immutable ConversionPolicy.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"picshrink/internal/codec"
)

// FailureMode decides what happens to an archive when a member conversion
// fails terminally.
type FailureMode int

const (
	// FailKeepOriginal commits the archive with the original bytes retained
	// for failed members.
	FailKeepOriginal FailureMode = iota
	// FailAbortArchive abandons the whole archive job, leaving the original
	// archive untouched.
	FailAbortArchive
)

// ConversionPolicy is the fully resolved configuration for one run.
type ConversionPolicy struct {
	Format           codec.Format
	Quality          int
	Lossless         bool
	MinWidth         int
	SkipExts         []string
	Blacklist        []string
	Fallback         codec.Format
	FallbackLossless bool
	OnFailedMember   FailureMode
	Infinite         bool
	Interval         time.Duration
	Clipboard        bool
	Workers          int
	BlacklistFile    string
}

// EncodeOptions returns the primary encode settings.
func (p ConversionPolicy) EncodeOptions() codec.EncodeOptions {
	return codec.EncodeOptions{Quality: p.Quality, Lossless: p.Lossless}
}

// FallbackOptions returns the encode settings for the fallback attempt.
func (p ConversionPolicy) FallbackOptions() codec.EncodeOptions {
	if p.FallbackLossless {
		return codec.EncodeOptions{Lossless: true}
	}
	return codec.EncodeOptions{Quality: p.Quality}
}

// SkipsExt reports whether the extension (dot included, any case) is in the
// skip set.
func (p ConversionPolicy) SkipsExt(ext string) bool {
	ext = strings.ToLower(ext)
	for _, s := range p.SkipExts {
		if s == ext {
			return true
		}
	}
	return false
}

// BlacklistMatch reports whether any blacklist token is a substring of any
// component of the path. Matching is case-insensitive.
func (p ConversionPolicy) BlacklistMatch(path string) bool {
	if len(p.Blacklist) == 0 {
		return false
	}
	lower := strings.ToLower(path)
	for _, component := range strings.FieldsFunc(lower, func(r rune) bool { return r == '/' || r == '\\' }) {
		for _, token := range p.Blacklist {
			if strings.Contains(component, token) {
				return true
			}
		}
	}
	return false
}

// Error reports invalid preset or override configuration.
type Error struct {
	Preset string
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Preset != "" {
		return fmt.Sprintf("policy: preset %q: %s: %s", e.Preset, e.Field, e.Reason)
	}
	return fmt.Sprintf("policy: %s: %s", e.Field, e.Reason)
}

// Overrides carries ad-hoc flag and input overrides layered on top of a
// preset. The shape mirrors the preset store: boolean checkbox options and
// string input values.
type Overrides struct {
	Flags  map[string]bool
	Inputs map[string]string
}

const (
	defaultQuality  = 90
	defaultInterval = 600 * time.Second
)

var defaultSkipExts = []string{".avif", ".jxl", ".webp"}
var defaultBlacklist = []string{"temp_"}

// Resolve merges defaults, the named preset, and overrides into a validated
// policy. An empty name resolves from defaults and overrides alone.
func (s Store) Resolve(name string, ov Overrides) (ConversionPolicy, error) {
	flags := map[string]bool{}
	inputs := map[string]string{}

	if name != "" {
		preset, ok := s[name]
		if !ok {
			return ConversionPolicy{}, &Error{Preset: name, Field: "name", Reason: "unknown preset"}
		}
		for _, opt := range preset.Options {
			flags[opt] = true
		}
		for k, v := range preset.Inputs {
			inputs[k] = v
		}
	}

	explicitQuality := false
	for k, v := range ov.Inputs {
		inputs[k] = v
		if k == "quality" {
			explicitQuality = true
		}
	}
	explicitLossless := false
	for k, v := range ov.Flags {
		flags[k] = v
		if k == "lossless" && v {
			explicitLossless = true
		}
	}
	if explicitQuality && explicitLossless {
		return ConversionPolicy{}, &Error{Preset: name, Field: "quality", Reason: "quality and lossless are mutually exclusive"}
	}

	return build(name, flags, inputs)
}

func build(name string, flags map[string]bool, inputs map[string]string) (ConversionPolicy, error) {
	p := ConversionPolicy{
		Format:    codec.FormatAVIF,
		Quality:   defaultQuality,
		Interval:  defaultInterval,
		SkipExts:  append([]string(nil), defaultSkipExts...),
		Blacklist: append([]string(nil), defaultBlacklist...),
	}

	if v, ok := inputs["format"]; ok {
		format, err := codec.ParseFormat(strings.ToLower(strings.TrimSpace(v)))
		if err != nil {
			return p, &Error{Preset: name, Field: "format", Reason: err.Error()}
		}
		p.Format = format
	}

	if v, ok := inputs["quality"]; ok {
		q, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return p, &Error{Preset: name, Field: "quality", Reason: "not an integer"}
		}
		if q < 0 || q > 100 {
			return p, &Error{Preset: name, Field: "quality", Reason: "outside [0,100]"}
		}
		p.Quality = q
	}

	// Preset tables carry quality alongside the lossless checkbox (the
	// JXL-lossless preset says quality 100); lossless wins and quality is
	// normalized away so the two never coexist in a resolved policy.
	if flags["lossless"] {
		p.Lossless = true
		p.Quality = 0
	}

	if v, ok := inputs["min_width"]; ok {
		w, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || w < 0 {
			return p, &Error{Preset: name, Field: "min_width", Reason: "must be a non-negative integer"}
		}
		p.MinWidth = w
	}

	if v, ok := inputs["interval"]; ok {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || secs <= 0 {
			return p, &Error{Preset: name, Field: "interval", Reason: "must be a positive number of seconds"}
		}
		p.Interval = time.Duration(secs) * time.Second
	}

	if v, ok := inputs["skip"]; ok {
		exts, err := parseSkipList(v)
		if err != nil {
			return p, &Error{Preset: name, Field: "skip", Reason: err.Error()}
		}
		p.SkipExts = exts
	}

	if v, ok := inputs["blacklist"]; ok {
		tokens, err := parseBlacklist(v)
		if err != nil {
			return p, &Error{Preset: name, Field: "blacklist", Reason: err.Error()}
		}
		p.Blacklist = tokens
	}

	if v, ok := inputs["workers"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return p, &Error{Preset: name, Field: "workers", Reason: "must be a non-negative integer"}
		}
		p.Workers = n
	}

	if v, ok := inputs["fail_mode"]; ok {
		switch strings.TrimSpace(v) {
		case "", "keep":
			p.OnFailedMember = FailKeepOriginal
		case "abort":
			p.OnFailedMember = FailAbortArchive
		default:
			return p, &Error{Preset: name, Field: "fail_mode", Reason: `must be "keep" or "abort"`}
		}
	}

	if v, ok := inputs["blacklist_file"]; ok {
		p.BlacklistFile = strings.TrimSpace(v)
	}

	p.Infinite = flags["infinite"]
	p.Clipboard = flags["clipboard"]

	if flags["jxlfall"] {
		if p.Format == codec.FormatJXL {
			return p, &Error{Preset: name, Field: "jxlfall", Reason: "fallback format must differ from target format"}
		}
		p.Fallback = codec.FormatJXL
		p.FallbackLossless = true
	}

	return p, nil
}

// parseSkipList splits a comma-separated extension list. An empty value
// disables extension skipping entirely.
func parseSkipList(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	var exts []string
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, ".") || strings.ContainsAny(part, "/\\ ") {
			return nil, fmt.Errorf("malformed extension %q", part)
		}
		exts = append(exts, part)
	}
	return exts, nil
}

// parseBlacklist splits a comma-separated token list. An empty value
// disables path blacklisting entirely.
func parseBlacklist(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	var tokens []string
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if strings.ContainsAny(part, "/\\") {
			return nil, fmt.Errorf("malformed token %q: path separators not allowed", part)
		}
		tokens = append(tokens, part)
	}
	return tokens, nil
}
