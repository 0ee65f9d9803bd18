package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"picshrink/internal/codec"
	"picshrink/internal/policy"
	"picshrink/pkg/imgutil"
)

// Prober exposes the dimension probe of the codec collaborator.
type Prober interface {
	ProbeDimensions(data []byte) (width, height int, err error)
}

// Decision is the outcome of the filter stage for one work item.
type Decision struct {
	Include bool
	Reason  string
	Width   int
	Height  int
}

// Filter decides whether a work item proceeds to conversion. It is a pure
// predicate over the item bytes and the policy: running it twice yields the
// same decision. Excluded items are reported as skipped, never dropped.
func Filter(item WorkItem, data []byte, pol policy.ConversionPolicy, prober Prober) Decision {
	ext := strings.ToLower(filepath.Ext(item.Display))
	if pol.SkipsExt(ext) {
		return Decision{Reason: fmt.Sprintf("extension %s in skip list", ext)}
	}

	if pol.BlacklistMatch(item.Display) {
		return Decision{Reason: "path matches blacklist"}
	}

	kind, _ := imgutil.Detect(data)
	if alreadyTarget(kind, pol.Format) {
		return Decision{Reason: fmt.Sprintf("already %s", pol.Format)}
	}

	decision := Decision{Include: true}
	if prober != nil && pol.MinWidth > 0 {
		if w, h, err := prober.ProbeDimensions(data); err == nil {
			decision.Width, decision.Height = w, h
			if w < pol.MinWidth {
				return Decision{Reason: fmt.Sprintf("width %dpx below minimum %dpx", w, pol.MinWidth), Width: w, Height: h}
			}
		}
		// Unknown dimensions never exclude an item; the width filter only
		// applies when the width is actually known.
	}

	return decision
}

func alreadyTarget(kind imgutil.Kind, format codec.Format) bool {
	switch format {
	case codec.FormatAVIF:
		return kind == imgutil.KindAVIF
	case codec.FormatJXL:
		return kind == imgutil.KindJXL
	default:
		return false
	}
}
