package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"picshrink/internal/codec"
	"picshrink/internal/policy"
	"picshrink/internal/stats"
)

type workerDeps struct {
	policy policy.ConversionPolicy
	codec  codec.Codec
	stats  *stats.Stats
	events *Events
	log    *slog.Logger
}

// worker drains the item channel until it closes or the done channel fires.
// Cancellation is only observed between items; an in-flight encode finishes.
func worker(done <-chan struct{}, items <-chan WorkItem, results chan<- ConversionResult, deps workerDeps) {
	for item := range items {
		select {
		case <-done:
			return
		default:
		}

		res := processItem(item, deps)
		switch res.Status {
		case StatusConverted:
			deps.stats.MarkConverted(item.Size, res.OutSize)
			deps.events.Emit(PanelImage, "✅ %s → %s (%s → %s)",
				item.Display, res.Format, humanize.Bytes(uint64(item.Size)), humanize.Bytes(uint64(res.OutSize)))
		case StatusSkipped:
			deps.stats.MarkSkipped()
			deps.events.Emit(PanelImage, "⏭ %s: %s", item.Display, res.Reason)
		case StatusFailed:
			deps.stats.MarkFailed()
			deps.events.Emit(PanelImage, "❌ %s: %v", item.Display, res.Err)
			deps.log.Warn("conversion failed", "item", item.Display, "error", res.Err)
		}
		results <- res
	}
}

// processItem runs filter, decode, and encode for one item. Every failure
// mode, panics included, becomes a failed result; the pool never dies.
func processItem(item WorkItem, deps workerDeps) (res ConversionResult) {
	res = ConversionResult{Item: item, Status: StatusFailed}
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	start := time.Now()

	data, err := os.ReadFile(item.Path)
	if err != nil {
		res.Err = err
		return res
	}

	decision := Filter(item, data, deps.policy, deps.codec)
	if !decision.Include {
		return ConversionResult{Item: item, Status: StatusSkipped, Reason: decision.Reason}
	}

	img, err := deps.codec.Decode(data)
	if err != nil {
		res.Err = err
		return res
	}

	format := deps.policy.Format
	encoded, err := deps.codec.Encode(img, format, deps.policy.EncodeOptions())
	if err != nil {
		if deps.policy.Fallback == "" || !isCodecError(err) {
			res.Err = err
			return res
		}
		// One retry with the fallback format; a second failure is terminal.
		format = deps.policy.Fallback
		encoded, err = deps.codec.Encode(img, format, deps.policy.FallbackOptions())
		if err != nil {
			res.Err = err
			return res
		}
	}

	return ConversionResult{
		Item:    item,
		Status:  StatusConverted,
		Output:  encoded,
		OutSize: int64(len(encoded)),
		Format:  format,
		Elapsed: time.Since(start),
	}
}

func isCodecError(err error) bool {
	var ce *codec.Error
	return errors.As(err, &ce)
}
