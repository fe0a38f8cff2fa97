// Package progress models the structured, stage-based progress document a
// build job accumulates while a worker processes it.
//
// A job moves through queue → downloading → whitelist → generation →
// completed; stages never move backwards within one claim. Per-source
// entries are upserted by source id in O(1) while preserving insertion
// order, so interleaved updates from the owning worker never lose earlier
// per-source state.
package progress

import (
	"time"

	"github.com/filterforge/buildq"
)

// Stage identifies the phase a build job is in.
type Stage string

const (
	StageQueue       Stage = "queue"
	StageDownloading Stage = "downloading"
	StageWhitelist   Stage = "whitelist"
	StageGeneration  Stage = "generation"
	StageCompleted   Stage = "completed"
)

// stageRank orders stages for the monotonicity check.
var stageRank = map[Stage]int{
	StageQueue:       0,
	StageDownloading: 1,
	StageWhitelist:   2,
	StageGeneration:  3,
	StageCompleted:   4,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// SourceStatus is the per-source download/parse state.
type SourceStatus string

const (
	SourcePending     SourceStatus = "pending"
	SourceDownloading SourceStatus = "downloading"
	SourceProcessing  SourceStatus = "processing"
	SourceCompleted   SourceStatus = "completed"
	SourceFailed      SourceStatus = "failed"
)

// Terminal reports whether the source has finished, successfully or not.
func (s SourceStatus) Terminal() bool {
	return s == SourceCompleted || s == SourceFailed
}

// Source tracks download and extraction progress for a single blocklist
// source, keyed by a stable id (the URL hash).
type Source struct {
	ID              string       `json:"id"                         bson:"id"`
	Name            string       `json:"name"                       bson:"name"`
	URL             string       `json:"url"                        bson:"url"`
	Status          SourceStatus `json:"status"                     bson:"status"`
	CacheHit        *bool        `json:"cache_hit,omitempty"        bson:"cache_hit,omitempty"`
	BytesDownloaded int64        `json:"bytes_downloaded"           bson:"bytes_downloaded"`
	BytesTotal      *int64       `json:"bytes_total,omitempty"      bson:"bytes_total,omitempty"`
	DownloadTimeMs  *int64       `json:"download_time_ms,omitempty" bson:"download_time_ms,omitempty"`
	DomainCount     *int64       `json:"domain_count,omitempty"     bson:"domain_count,omitempty"`
	DomainChange    *int64       `json:"domain_change,omitempty"    bson:"domain_change,omitempty"`
	Error           string       `json:"error,omitempty"            bson:"error,omitempty"`
	Warnings        []string     `json:"warnings,omitempty"         bson:"warnings,omitempty"`
	StartedAt       *time.Time   `json:"started_at,omitempty"       bson:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"     bson:"completed_at,omitempty"`
}

// DownloadPercent returns the download completion percentage, or -1 when the
// total size is unknown.
func (s *Source) DownloadPercent() float64 {
	if s.BytesTotal == nil || *s.BytesTotal <= 0 {
		return -1
	}
	return float64(s.BytesDownloaded) / float64(*s.BytesTotal) * 100
}

// WhitelistPattern tracks match counts for one whitelist pattern.
type WhitelistPattern struct {
	Pattern     string   `json:"pattern"           bson:"pattern"`
	PatternType string   `json:"pattern_type"      bson:"pattern_type"`
	MatchCount  int64    `json:"match_count"       bson:"match_count"`
	Samples     []string `json:"samples,omitempty" bson:"samples,omitempty"`
}

// Whitelist tracks the whitelist filtering stage. Populated only once the
// whitelist stage is active.
type Whitelist struct {
	DomainsBefore int64              `json:"domains_before"     bson:"domains_before"`
	DomainsAfter  int64              `json:"domains_after"      bson:"domains_after"`
	TotalRemoved  int64              `json:"total_removed"      bson:"total_removed"`
	Patterns      []WhitelistPattern `json:"patterns,omitempty" bson:"patterns,omitempty"`
	Processing    bool               `json:"processing"         bson:"processing"`
}

// FormatStatus is the per-output-format generation state.
type FormatStatus string

const (
	FormatPending     FormatStatus = "pending"
	FormatGenerating  FormatStatus = "generating"
	FormatCompressing FormatStatus = "compressing"
	FormatCompleted   FormatStatus = "completed"
)

// Format tracks generation of a single output format (hosts, plain, adblock).
type Format struct {
	Format         string       `json:"format"            bson:"format"`
	Status         FormatStatus `json:"status"            bson:"status"`
	DomainsWritten int64        `json:"domains_written"   bson:"domains_written"`
	TotalDomains   int64        `json:"total_domains"     bson:"total_domains"`
	FileSize       *int64       `json:"file_size,omitempty" bson:"file_size,omitempty"`
	GzSize         *int64       `json:"gz_size,omitempty"   bson:"gz_size,omitempty"`
}

// Percent returns the write completion percentage for this format.
func (f *Format) Percent() int {
	if f.TotalDomains == 0 {
		return 0
	}
	return int(float64(f.DomainsWritten) / float64(f.TotalDomains) * 100)
}

// Generation tracks the output generation stage. Populated only once the
// generation stage is active.
type Generation struct {
	Formats       []Format `json:"formats,omitempty"        bson:"formats,omitempty"`
	CurrentFormat string   `json:"current_format,omitempty" bson:"current_format,omitempty"`
}

// Progress is the complete progress document embedded in a Job. Only the
// worker owning the claim mutates it; everyone else reads snapshots.
type Progress struct {
	Stage          Stage       `json:"stage"                      bson:"stage"`
	Sources        []Source    `json:"sources"                    bson:"sources"`
	Whitelist      *Whitelist  `json:"whitelist,omitempty"        bson:"whitelist,omitempty"`
	Generation     *Generation `json:"generation,omitempty"       bson:"generation,omitempty"`
	StageStartedAt *time.Time  `json:"stage_started_at,omitempty" bson:"stage_started_at,omitempty"`

	// byID indexes Sources by source id for O(1) upsert. Rebuilt lazily,
	// never serialized.
	byID map[string]int
}

// New returns a Progress at the queue stage, as written at job creation.
func New() Progress {
	return Progress{Stage: StageQueue, Sources: []Source{}}
}

// SetStage advances the stage and refreshes StageStartedAt. Stages are
// monotonic within one claim: moving backwards returns ErrStageRegression,
// an unknown stage returns ErrInvalidStage, and either way the document is
// left untouched. Setting the current stage again is a no-op that does not
// refresh the timestamp.
func (p *Progress) SetStage(s Stage) error {
	if !s.Valid() {
		return buildq.ErrInvalidStage
	}
	cur := stageRank[p.Stage]
	next := stageRank[s]
	if next < cur {
		return buildq.ErrStageRegression
	}
	if next == cur {
		return nil
	}
	p.Stage = s
	now := time.Now().UTC()
	p.StageStartedAt = &now
	return nil
}

// UpsertSource replaces the entry with the same id in place, preserving its
// position, or appends a new entry.
func (p *Progress) UpsertSource(src Source) {
	p.reindex()
	if i, ok := p.byID[src.ID]; ok {
		p.Sources[i] = src
		return
	}
	p.byID[src.ID] = len(p.Sources)
	p.Sources = append(p.Sources, src)
}

// SourceByID returns the source entry with the given id, or nil.
func (p *Progress) SourceByID(id string) *Source {
	p.reindex()
	if i, ok := p.byID[id]; ok {
		return &p.Sources[i]
	}
	return nil
}

// CurrentSource returns the first source currently downloading or
// processing, or nil. Derived for display; not stored.
func (p *Progress) CurrentSource() *Source {
	for i := range p.Sources {
		switch p.Sources[i].Status {
		case SourceDownloading, SourceProcessing:
			return &p.Sources[i]
		}
	}
	return nil
}

// CompletedSources counts sources in a terminal status, for "N of M".
func (p *Progress) CompletedSources() int {
	n := 0
	for i := range p.Sources {
		if p.Sources[i].Status.Terminal() {
			n++
		}
	}
	return n
}

// TotalSources returns the number of tracked sources.
func (p *Progress) TotalSources() int { return len(p.Sources) }

// Clone returns a deep copy safe to hand across goroutines.
func (p *Progress) Clone() Progress {
	cp := Progress{Stage: p.Stage}
	if p.Sources != nil {
		cp.Sources = make([]Source, len(p.Sources))
		copy(cp.Sources, p.Sources)
		for i := range cp.Sources {
			cp.Sources[i].Warnings = cloneStrings(p.Sources[i].Warnings)
		}
	}
	if p.Whitelist != nil {
		wl := *p.Whitelist
		wl.Patterns = make([]WhitelistPattern, len(p.Whitelist.Patterns))
		copy(wl.Patterns, p.Whitelist.Patterns)
		for i := range wl.Patterns {
			wl.Patterns[i].Samples = cloneStrings(p.Whitelist.Patterns[i].Samples)
		}
		cp.Whitelist = &wl
	}
	if p.Generation != nil {
		gen := *p.Generation
		gen.Formats = make([]Format, len(p.Generation.Formats))
		copy(gen.Formats, p.Generation.Formats)
		cp.Generation = &gen
	}
	if p.StageStartedAt != nil {
		ts := *p.StageStartedAt
		cp.StageStartedAt = &ts
	}
	return cp
}

// reindex rebuilds the id index when it is missing or out of sync. The
// index is dropped by serialization and by Clone.
func (p *Progress) reindex() {
	if p.byID != nil && len(p.byID) == len(p.Sources) {
		return
	}
	p.byID = make(map[string]int, len(p.Sources))
	for i := range p.Sources {
		p.byID[p.Sources[i].ID] = i
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
