package progress_test

import (
	"errors"
	"testing"

	"github.com/filterforge/buildq"
	"github.com/filterforge/buildq/progress"
)

func TestSetStageAdvances(t *testing.T) {
	t.Parallel()

	p := progress.New()
	if p.Stage != progress.StageQueue {
		t.Fatalf("new progress stage = %q, want %q", p.Stage, progress.StageQueue)
	}

	stages := []progress.Stage{
		progress.StageDownloading,
		progress.StageWhitelist,
		progress.StageGeneration,
		progress.StageCompleted,
	}
	for _, s := range stages {
		if err := p.SetStage(s); err != nil {
			t.Fatalf("SetStage(%q) returned error: %v", s, err)
		}
		if p.Stage != s {
			t.Fatalf("stage = %q, want %q", p.Stage, s)
		}
		if p.StageStartedAt == nil {
			t.Fatalf("StageStartedAt not set on transition to %q", s)
		}
	}
}

func TestSetStageRejectsRegression(t *testing.T) {
	t.Parallel()

	p := progress.New()
	if err := p.SetStage(progress.StageWhitelist); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		stage   progress.Stage
		wantErr error
	}{
		{"back to queue", progress.StageQueue, buildq.ErrStageRegression},
		{"back to downloading", progress.StageDownloading, buildq.ErrStageRegression},
		{"unknown stage", progress.Stage("uploading"), buildq.ErrInvalidStage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.SetStage(tt.stage)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SetStage(%q) error = %v, want %v", tt.stage, err, tt.wantErr)
			}
			if p.Stage != progress.StageWhitelist {
				t.Errorf("stage mutated to %q on rejected transition", p.Stage)
			}
		})
	}
}

func TestSetStageSameStageIsNoOp(t *testing.T) {
	t.Parallel()

	p := progress.New()
	if err := p.SetStage(progress.StageDownloading); err != nil {
		t.Fatal(err)
	}
	first := *p.StageStartedAt

	if err := p.SetStage(progress.StageDownloading); err != nil {
		t.Fatalf("repeat SetStage returned error: %v", err)
	}
	if !p.StageStartedAt.Equal(first) {
		t.Error("repeat SetStage refreshed StageStartedAt")
	}
}

func TestUpsertSourcePreservesOrder(t *testing.T) {
	t.Parallel()

	p := progress.New()
	p.UpsertSource(progress.Source{ID: "a", Name: "easylist", Status: progress.SourcePending})
	p.UpsertSource(progress.Source{ID: "b", Name: "adaway", Status: progress.SourcePending})
	p.UpsertSource(progress.Source{ID: "c", Name: "stevenblack", Status: progress.SourcePending})

	// Replace the middle entry; position must not move.
	p.UpsertSource(progress.Source{ID: "b", Name: "adaway", Status: progress.SourceDownloading, BytesDownloaded: 512})

	if got := len(p.Sources); got != 3 {
		t.Fatalf("len(Sources) = %d, want 3", got)
	}
	if p.Sources[1].ID != "b" || p.Sources[1].Status != progress.SourceDownloading {
		t.Errorf("Sources[1] = %+v, want updated entry b in place", p.Sources[1])
	}
	if p.Sources[1].BytesDownloaded != 512 {
		t.Errorf("BytesDownloaded = %d, want 512", p.Sources[1].BytesDownloaded)
	}
}

func TestSourceByID(t *testing.T) {
	t.Parallel()

	p := progress.New()
	p.UpsertSource(progress.Source{ID: "a", Name: "easylist"})

	if src := p.SourceByID("a"); src == nil || src.Name != "easylist" {
		t.Errorf("SourceByID(a) = %+v, want easylist", src)
	}
	if src := p.SourceByID("missing"); src != nil {
		t.Errorf("SourceByID(missing) = %+v, want nil", src)
	}
}

func TestCurrentSource(t *testing.T) {
	t.Parallel()

	p := progress.New()
	if p.CurrentSource() != nil {
		t.Error("CurrentSource on empty progress should be nil")
	}

	p.UpsertSource(progress.Source{ID: "a", Status: progress.SourceCompleted})
	p.UpsertSource(progress.Source{ID: "b", Status: progress.SourceDownloading})
	p.UpsertSource(progress.Source{ID: "c", Status: progress.SourceProcessing})

	cur := p.CurrentSource()
	if cur == nil || cur.ID != "b" {
		t.Errorf("CurrentSource = %+v, want first in-flight source b", cur)
	}
}

func TestCompletedSources(t *testing.T) {
	t.Parallel()

	p := progress.New()
	p.UpsertSource(progress.Source{ID: "a", Status: progress.SourceCompleted})
	p.UpsertSource(progress.Source{ID: "b", Status: progress.SourceFailed})
	p.UpsertSource(progress.Source{ID: "c", Status: progress.SourceDownloading})
	p.UpsertSource(progress.Source{ID: "d", Status: progress.SourcePending})

	if got := p.CompletedSources(); got != 2 {
		t.Errorf("CompletedSources = %d, want 2", got)
	}
	if got := p.TotalSources(); got != 4 {
		t.Errorf("TotalSources = %d, want 4", got)
	}
}

func TestDownloadPercent(t *testing.T) {
	t.Parallel()

	total := int64(200)
	tests := []struct {
		name string
		src  progress.Source
		want float64
	}{
		{"unknown total", progress.Source{BytesDownloaded: 50}, -1},
		{"half", progress.Source{BytesDownloaded: 100, BytesTotal: &total}, 50},
		{"done", progress.Source{BytesDownloaded: 200, BytesTotal: &total}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.src.DownloadPercent(); got != tt.want {
				t.Errorf("DownloadPercent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	p := progress.New()
	p.UpsertSource(progress.Source{ID: "a", Warnings: []string{"slow mirror"}})
	p.Whitelist = &progress.Whitelist{
		DomainsBefore: 100,
		Patterns:      []progress.WhitelistPattern{{Pattern: "*.example.com", PatternType: "wildcard"}},
	}
	p.Generation = &progress.Generation{
		Formats: []progress.Format{{Format: "hosts", Status: progress.FormatGenerating}},
	}

	cp := p.Clone()
	cp.Sources[0].Warnings[0] = "mutated"
	cp.Whitelist.Patterns[0].Pattern = "mutated"
	cp.Generation.Formats[0].Status = progress.FormatCompleted

	if p.Sources[0].Warnings[0] != "slow mirror" {
		t.Error("clone shares source warnings with original")
	}
	if p.Whitelist.Patterns[0].Pattern != "*.example.com" {
		t.Error("clone shares whitelist patterns with original")
	}
	if p.Generation.Formats[0].Status != progress.FormatGenerating {
		t.Error("clone shares generation formats with original")
	}
}
