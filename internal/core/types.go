package core

import "time"

const (
	Name    = "memd"
	Version = "0.1.0"
)

// KindCount is one row of the per-kind aggregate.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// SourceCount is one row of the per-source aggregate.
type SourceCount struct {
	SourceID string `json:"source_id"`
	Count    int    `json:"count"`
}

// StatsSnapshot is the read-only health surface consumed by operational
// tooling. It is never used on the recall or learn path.
type StatsSnapshot struct {
	TotalRecords  int           `json:"total_records"`
	ByKind        []KindCount   `json:"by_kind"`
	BySource      []SourceCount `json:"by_source"`
	QueueDepth    int           `json:"queue_depth"`
	RecentLatency time.Duration `json:"recent_latency_ns"`
	DBSizeBytes   int64         `json:"db_size_bytes"`
}
