package pipeline

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"

	"picshrink/internal/policy"
)

// recordConfig is the policy fingerprint stored inside a rebuilt archive.
// An archive carrying a record with an identical config is not reprocessed.
type recordConfig struct {
	TargetFormat string `json:"target_format"`
	Quality      int    `json:"quality"`
	Lossless     bool   `json:"lossless"`
	MinWidth     int    `json:"min_width"`
}

type recordStats struct {
	Converted int   `json:"converted"`
	Skipped   int   `json:"skipped"`
	Failed    int   `json:"failed"`
	BytesIn   int64 `json:"bytes_in"`
	BytesOut  int64 `json:"bytes_out"`
}

type convertRecord struct {
	Timestamp string       `json:"timestamp"`
	Filename  string       `json:"filename"`
	Config    recordConfig `json:"config"`
	Stats     recordStats  `json:"stats"`
}

func policyRecordConfig(pol policy.ConversionPolicy) recordConfig {
	return recordConfig{
		TargetFormat: string(pol.Format),
		Quality:      pol.Quality,
		Lossless:     pol.Lossless,
		MinWidth:     pol.MinWidth,
	}
}

// recordMemberName derives the record member name from the archive's base
// name, so the record survives archive renames only intentionally.
func recordMemberName(base string) string {
	sum := md5.Sum([]byte(base))
	return hex.EncodeToString(sum[:]) + ".convert"
}

func buildRecord(base string, cfg recordConfig, st recordStats) ([]byte, error) {
	rec := convertRecord{
		Timestamp: time.Now().Format(time.RFC3339),
		Filename:  base,
		Config:    cfg,
		Stats:     st,
	}
	return json.MarshalIndent(rec, "", "  ")
}

// parseRecord decodes a record member; used by the enumerator's pre-scan.
func parseRecord(data []byte) (convertRecord, error) {
	var rec convertRecord
	err := json.Unmarshal(data, &rec)
	return rec, err
}
