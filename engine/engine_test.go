package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/filterforge/buildq"
	"github.com/filterforge/buildq/engine"
	"github.com/filterforge/buildq/job"
	"github.com/filterforge/buildq/progress"
	"github.com/filterforge/buildq/store/memory"
	"github.com/filterforge/buildq/stream"
	"github.com/filterforge/buildq/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() buildq.Config {
	cfg := buildq.DefaultConfig()
	cfg.BroadcastInterval = 10 * time.Millisecond
	cfg.ReaperInterval = 50 * time.Millisecond
	cfg.ClaimInterval = 5 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestBuildRequiresStore(t *testing.T) {
	t.Parallel()

	if _, err := engine.Build(nil); !errors.Is(err, buildq.ErrNoStore) {
		t.Errorf("Build(nil) error = %v, want ErrNoStore", err)
	}
}

func TestBuildAccessors(t *testing.T) {
	t.Parallel()

	e, err := engine.Build(memory.New(), engine.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if e.Admission() == nil || e.Queue() == nil || e.Stream() == nil {
		t.Error("accessors returned nil subsystems")
	}
	if got := e.Config().Cooldown; got != buildq.DefaultConfig().Cooldown {
		t.Errorf("default cooldown = %v, want %v", got, buildq.DefaultConfig().Cooldown)
	}
}

func TestAdmissionGates(t *testing.T) {
	t.Parallel()

	e, err := engine.Build(memory.New(), engine.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx := context.Background()

	if _, err := e.Admission().Enqueue(ctx, "alice", job.TypeManual); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := e.Admission().Enqueue(ctx, "alice", job.TypeManual); !errors.Is(err, buildq.ErrOwnerBusy) {
		t.Errorf("second enqueue error = %v, want ErrOwnerBusy", err)
	}
}

func TestEndToEndBuildLifecycle(t *testing.T) {
	t.Parallel()

	handler := func(hctx context.Context, _ *job.Job, report worker.ProgressReporter) (*job.Summary, error) {
		p := progress.New()
		if err := p.SetStage(progress.StageDownloading); err != nil {
			return nil, err
		}
		if !report(hctx, p) {
			return nil, hctx.Err()
		}
		// Outlast one broadcast interval so the run is observable.
		time.Sleep(50 * time.Millisecond)
		return &job.Summary{TotalDomains: 7}, nil
	}

	e, err := engine.Build(memory.New(),
		engine.WithLogger(testLogger()),
		engine.WithConfig(fastConfig()),
		engine.WithHandler(handler),
	)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	ctx := context.Background()
	sub := e.Stream().Subscribe("conn-1", stream.OwnerTopic("alice"))

	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop(ctx)

	created, err := e.Admission().Enqueue(ctx, "alice", job.TypeManual)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var sawCreated bool
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub.C():
			switch evt.Type {
			case stream.EventJobCreated:
				sawCreated = true
			case stream.EventJobCompleted:
				if !sawCreated {
					t.Error("completed event arrived before created event")
				}
				var data stream.JobEventData
				if err := json.Unmarshal(evt.Data, &data); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if data.Job.ID != created.ID {
					t.Errorf("completed job = %s, want %s", data.Job.ID, created.ID)
				}
				if data.Job.Status != job.StatusCompleted {
					t.Errorf("status = %q, want completed", data.Job.Status)
				}
				if data.Job.Result == nil || data.Job.Result.Summary == nil || data.Job.Result.Summary.TotalDomains != 7 {
					t.Errorf("result = %+v, want summary with 7 domains", data.Job.Result)
				}
				return
			}
		case <-deadline:
			t.Fatal("no completed event within two seconds")
		}
	}
}
