package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/filterforge/buildq"
	"github.com/filterforge/buildq/id"
	"github.com/filterforge/buildq/job"
	"github.com/filterforge/buildq/progress"
	"github.com/filterforge/buildq/store/memory"
)

func mustCreate(t *testing.T, s *memory.Store, j *job.Job) {
	t.Helper()
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func newQueued(t *testing.T, s *memory.Store, owner string, priority job.Priority) *job.Job {
	t.Helper()
	j := job.New(owner, job.TypeManual, priority)
	mustCreate(t, s, j)
	return j
}

func claim(t *testing.T, s *memory.Store, workerID id.WorkerID) *job.Job {
	t.Helper()
	j, err := s.ClaimNextJob(context.Background(), workerID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j == nil {
		t.Fatal("claim returned no job")
	}
	return j
}

func TestCreateJobDuplicate(t *testing.T) {
	t.Parallel()

	s := memory.New()
	j := job.New("alice", job.TypeManual, job.PriorityNormal)
	mustCreate(t, s, j)

	if err := s.CreateJob(context.Background(), j); !errors.Is(err, buildq.ErrJobAlreadyExists) {
		t.Errorf("duplicate create error = %v, want ErrJobAlreadyExists", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	s := memory.New()
	if _, err := s.GetJob(context.Background(), id.NewJobID()); !errors.Is(err, buildq.ErrJobNotFound) {
		t.Errorf("error = %v, want ErrJobNotFound", err)
	}
}

func TestGetJobReturnsCopy(t *testing.T) {
	t.Parallel()

	s := memory.New()
	j := newQueued(t, s, "alice", job.PriorityNormal)

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Status = job.StatusFailed

	again, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Status != job.StatusQueued {
		t.Error("mutating a returned job changed stored state")
	}
}

func TestClaimOrder(t *testing.T) {
	t.Parallel()

	s := memory.New()
	normalOld := newQueued(t, s, "alice", job.PriorityNormal)
	time.Sleep(time.Millisecond)
	normalNew := newQueued(t, s, "bob", job.PriorityNormal)
	time.Sleep(time.Millisecond)
	system := newQueued(t, s, "", job.PriorityHigh)

	w := id.NewWorkerID()
	want := []id.JobID{system.ID, normalOld.ID, normalNew.ID}
	for i, wantID := range want {
		got := claim(t, s, w)
		if got.ID != wantID {
			t.Fatalf("claim %d = %s, want %s", i, got.ID, wantID)
		}
		if got.Status != job.StatusProcessing {
			t.Errorf("claimed job status = %q, want processing", got.Status)
		}
		if got.WorkerID != w {
			t.Errorf("claimed job worker = %s, want %s", got.WorkerID, w)
		}
		if got.ClaimedAt == nil || got.HeartbeatAt == nil || got.StartedAt == nil {
			t.Error("claim timestamps not stamped")
		}
	}

	empty, err := s.ClaimNextJob(context.Background(), w)
	if err != nil || empty != nil {
		t.Errorf("claim on empty queue = (%v, %v), want (nil, nil)", empty, err)
	}
}

func TestConcurrentClaimExactlyOnce(t *testing.T) {
	t.Parallel()

	s := memory.New()
	const jobs = 20
	for range jobs {
		newQueued(t, s, "alice", job.PriorityNormal)
	}

	var mu sync.Mutex
	claimed := make(map[string]int)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := id.NewWorkerID()
			for {
				j, err := s.ClaimNextJob(context.Background(), w)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for jobID, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", jobID, n)
		}
	}
}

func TestGuardedWritesNoOpForStaleWorker(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()
	j := newQueued(t, s, "alice", job.PriorityNormal)

	owner := id.NewWorkerID()
	stale := id.NewWorkerID()
	claim(t, s, owner)

	tests := []struct {
		name string
		op   func(w id.WorkerID) (bool, error)
	}{
		{"heartbeat", func(w id.WorkerID) (bool, error) { return s.HeartbeatJob(ctx, j.ID, w) }},
		{"progress", func(w id.WorkerID) (bool, error) { return s.UpdateJobProgress(ctx, j.ID, w, progress.New()) }},
		{"release", func(w id.WorkerID) (bool, error) { return s.ReleaseJob(ctx, j.ID, w) }},
		{"complete", func(w id.WorkerID) (bool, error) { return s.CompleteJob(ctx, j.ID, w, &job.Summary{}) }},
		{"fail", func(w id.WorkerID) (bool, error) { return s.FailJob(ctx, j.ID, w, []string{"x"}) }},
		{"skip", func(w id.WorkerID) (bool, error) { return s.SkipJob(ctx, j.ID, w, "dup") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tt.op(stale)
			if err != nil {
				t.Fatalf("stale %s returned error %v", tt.name, err)
			}
			if ok {
				t.Errorf("stale %s reported ok", tt.name)
			}
		})
	}

	// The rightful owner's heartbeat still lands.
	ok, err := s.HeartbeatJob(ctx, j.ID, owner)
	if err != nil || !ok {
		t.Errorf("owner heartbeat = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestTerminalTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tests := []struct {
		name       string
		finish     func(s *memory.Store, jobID id.JobID, w id.WorkerID) (bool, error)
		wantStatus job.Status
		check      func(t *testing.T, j *job.Job)
	}{
		{
			name: "complete",
			finish: func(s *memory.Store, jobID id.JobID, w id.WorkerID) (bool, error) {
				return s.CompleteJob(ctx, jobID, w, &job.Summary{TotalDomains: 10})
			},
			wantStatus: job.StatusCompleted,
			check: func(t *testing.T, j *job.Job) {
				if j.Result == nil || j.Result.Summary == nil || j.Result.Summary.TotalDomains != 10 {
					t.Errorf("result = %+v, want summary with 10 domains", j.Result)
				}
			},
		},
		{
			name: "fail",
			finish: func(s *memory.Store, jobID id.JobID, w id.WorkerID) (bool, error) {
				return s.FailJob(ctx, jobID, w, []string{"download failed"})
			},
			wantStatus: job.StatusFailed,
			check: func(t *testing.T, j *job.Job) {
				if j.Result == nil || len(j.Result.Errors) != 1 {
					t.Errorf("result = %+v, want one error", j.Result)
				}
				if j.Read {
					t.Error("failed job marked read")
				}
			},
		},
		{
			name: "skip",
			finish: func(s *memory.Store, jobID id.JobID, w id.WorkerID) (bool, error) {
				return s.SkipJob(ctx, jobID, w, "equivalent build in flight")
			},
			wantStatus: job.StatusSkipped,
			check: func(t *testing.T, j *job.Job) {
				if j.Result == nil || j.Result.SkipReason == "" {
					t.Errorf("result = %+v, want skip reason", j.Result)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := memory.New()
			created := newQueued(t, s, "alice", job.PriorityNormal)
			w := id.NewWorkerID()
			claim(t, s, w)

			ok, err := tt.finish(s, created.ID, w)
			if err != nil || !ok {
				t.Fatalf("terminal op = (%v, %v), want (true, nil)", ok, err)
			}

			got, err := s.GetJob(ctx, created.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if got.CompletedAt == nil {
				t.Error("completed_at not stamped")
			}
			tt.check(t, got)

			// Terminal jobs are off-limits to further guarded writes.
			if ok, _ := tt.finish(s, created.ID, w); ok {
				t.Error("second terminal transition reported ok")
			}
		})
	}
}

func TestReleaseRequeues(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()
	created := newQueued(t, s, "alice", job.PriorityNormal)
	w := id.NewWorkerID()
	claim(t, s, w)

	ok, err := s.ReleaseJob(ctx, created.ID, w)
	if err != nil || !ok {
		t.Fatalf("release = (%v, %v), want (true, nil)", ok, err)
	}

	got, err := s.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if !got.WorkerID.IsNil() || got.ClaimedAt != nil || got.HeartbeatAt != nil {
		t.Error("worker binding not cleared on release")
	}

	// Another worker can claim it again.
	reclaimed := claim(t, s, id.NewWorkerID())
	if reclaimed.ID != created.ID {
		t.Errorf("reclaimed %s, want %s", reclaimed.ID, created.ID)
	}
}

func TestResetStaleJobs(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	stale := newQueued(t, s, "alice", job.PriorityNormal)
	w1 := id.NewWorkerID()
	claim(t, s, w1)

	fresh := newQueued(t, s, "bob", job.PriorityNormal)
	w2 := id.NewWorkerID()
	claim(t, s, w2)

	// Only w2 heartbeats within the window.
	time.Sleep(20 * time.Millisecond)
	if ok, err := s.HeartbeatJob(ctx, fresh.ID, w2); err != nil || !ok {
		t.Fatalf("heartbeat = (%v, %v)", ok, err)
	}

	reset, err := s.ResetStaleJobs(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("reset stale: %v", err)
	}
	if reset != 1 {
		t.Fatalf("reset %d jobs, want 1", reset)
	}

	gotStale, _ := s.GetJob(ctx, stale.ID)
	if gotStale.Status != job.StatusQueued || !gotStale.WorkerID.IsNil() {
		t.Errorf("stale job = %q/%s, want requeued with no worker", gotStale.Status, gotStale.WorkerID)
	}
	gotFresh, _ := s.GetJob(ctx, fresh.ID)
	if gotFresh.Status != job.StatusProcessing {
		t.Errorf("fresh job status = %q, want processing", gotFresh.Status)
	}

	// The reaped worker's late completion is a silent no-op.
	if ok, err := s.CompleteJob(ctx, stale.ID, w1, &job.Summary{}); err != nil || ok {
		t.Errorf("late complete = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestQueuePosition(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	first := newQueued(t, s, "alice", job.PriorityNormal)
	time.Sleep(time.Millisecond)
	second := newQueued(t, s, "bob", job.PriorityNormal)
	time.Sleep(time.Millisecond)
	system := newQueued(t, s, "", job.PriorityHigh)

	tests := []struct {
		name string
		id   id.JobID
		want int
	}{
		{"system jumps the line", system.ID, 1},
		{"older normal", first.ID, 2},
		{"newer normal", second.ID, 3},
	}
	for _, tt := range tests {
		if got, err := s.QueuePosition(ctx, tt.id); err != nil || got != tt.want {
			t.Errorf("%s: position = (%d, %v), want %d", tt.name, got, err, tt.want)
		}
	}

	// A claimed job has no queue position.
	claim(t, s, id.NewWorkerID())
	if got, err := s.QueuePosition(ctx, system.ID); err != nil || got != 0 {
		t.Errorf("claimed job position = (%d, %v), want 0", got, err)
	}
}

func TestQueuePositionSharedOnCreatedAtTie(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	first := job.New("alice", job.TypeManual, job.PriorityNormal)
	second := job.New("bob", job.TypeManual, job.PriorityNormal)
	second.CreatedAt = first.CreatedAt
	for _, j := range []*job.Job{first, second} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	// Neither job was created strictly before the other, so both report
	// the same position, as the document store's count does.
	for _, j := range []*job.Job{first, second} {
		if got, err := s.QueuePosition(ctx, j.ID); err != nil || got != 1 {
			t.Errorf("position for %s = (%d, %v), want 1", j.ID, got, err)
		}
	}
}

func TestListActiveJobsClaimOrder(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	normal := newQueued(t, s, "alice", job.PriorityNormal)
	time.Sleep(time.Millisecond)
	system := newQueued(t, s, "", job.PriorityHigh)

	done := newQueued(t, s, "carol", job.PriorityNormal)
	w := id.NewWorkerID()
	// Claim order: system first, then alice, then carol.
	claim(t, s, w)
	claim(t, s, w)
	claim(t, s, w)
	if ok, err := s.CompleteJob(ctx, done.ID, w, &job.Summary{}); err != nil || !ok {
		t.Fatalf("complete = (%v, %v)", ok, err)
	}
	if ok, err := s.ReleaseJob(ctx, system.ID, w); err != nil || !ok {
		t.Fatalf("release = (%v, %v)", ok, err)
	}
	if ok, err := s.ReleaseJob(ctx, normal.ID, w); err != nil || !ok {
		t.Fatalf("release = (%v, %v)", ok, err)
	}

	active, err := s.ListActiveJobs(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("listed %d active jobs, want 2", len(active))
	}
	if active[0].ID != system.ID || active[1].ID != normal.ID {
		t.Errorf("active order = [%s %s], want system first", active[0].ID, active[1].ID)
	}
}

func TestOwnerQueries(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	active := newQueued(t, s, "alice", job.PriorityNormal)
	newQueued(t, s, "bob", job.PriorityNormal)

	busy, err := s.HasActiveJobForOwner(ctx, "alice")
	if err != nil || !busy {
		t.Errorf("HasActiveJobForOwner(alice) = (%v, %v), want true", busy, err)
	}
	busy, err = s.HasActiveJobForOwner(ctx, "carol")
	if err != nil || busy {
		t.Errorf("HasActiveJobForOwner(carol) = (%v, %v), want false", busy, err)
	}

	w := id.NewWorkerID()
	claim(t, s, w)
	if ok, err := s.CompleteJob(ctx, active.ID, w, &job.Summary{}); err != nil || !ok {
		t.Fatalf("complete = (%v, %v)", ok, err)
	}

	last, err := s.LastCompletedForOwner(ctx, "alice", job.TypeManual)
	if err != nil {
		t.Fatalf("last completed: %v", err)
	}
	if last == nil || last.ID != active.ID {
		t.Errorf("last completed = %v, want %s", last, active.ID)
	}
	if last, _ := s.LastCompletedForOwner(ctx, "alice", job.TypeScheduled); last != nil {
		t.Errorf("last completed scheduled = %v, want nil", last)
	}
	if last, _ := s.LastCompletedForOwner(ctx, "bob", ""); last != nil {
		t.Errorf("last completed for bob = %v, want nil", last)
	}
}

func TestUnreadFailures(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	j := newQueued(t, s, "alice", job.PriorityNormal)
	w := id.NewWorkerID()
	claim(t, s, w)
	if ok, err := s.FailJob(ctx, j.ID, w, []string{"boom"}); err != nil || !ok {
		t.Fatalf("fail = (%v, %v)", ok, err)
	}

	unread, err := s.HasUnreadFailures(ctx, "alice")
	if err != nil || !unread {
		t.Errorf("HasUnreadFailures = (%v, %v), want true", unread, err)
	}

	if err := s.MarkFailuresRead(ctx, "alice"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	unread, err = s.HasUnreadFailures(ctx, "alice")
	if err != nil || unread {
		t.Errorf("HasUnreadFailures after ack = (%v, %v), want false", unread, err)
	}
}

func TestCountsAndStats(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	newQueued(t, s, "alice", job.PriorityNormal)
	newQueued(t, s, "alice", job.PriorityNormal)
	newQueued(t, s, "bob", job.PriorityNormal)

	w1 := id.NewWorkerID()
	w2 := id.NewWorkerID()
	claim(t, s, w1)
	claim(t, s, w2)

	if n, err := s.CountJobs(ctx, job.CountOpts{Status: job.StatusQueued}); err != nil || n != 1 {
		t.Errorf("queued count = (%d, %v), want 1", n, err)
	}
	if n, err := s.CountJobs(ctx, job.CountOpts{Owner: "alice"}); err != nil || n != 2 {
		t.Errorf("alice count = (%d, %v), want 2", n, err)
	}
	if n, err := s.ActiveWorkerCount(ctx); err != nil || n != 2 {
		t.Errorf("active workers = (%d, %v), want 2", n, err)
	}
}

func TestListRecentJobsNewestFirst(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	old := newQueued(t, s, "alice", job.PriorityNormal)
	time.Sleep(time.Millisecond)
	mid := newQueued(t, s, "bob", job.PriorityNormal)
	time.Sleep(time.Millisecond)
	recent := newQueued(t, s, "carol", job.PriorityNormal)

	jobs, err := s.ListRecentJobs(ctx, 2)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != recent.ID || jobs[1].ID != mid.ID {
		t.Errorf("recent = %v, want [%s %s]", jobs, recent.ID, mid.ID)
	}

	byOwner, err := s.ListJobsByOwner(ctx, "alice", job.ListOpts{})
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(byOwner) != 1 || byOwner[0].ID != old.ID {
		t.Errorf("alice jobs = %v, want [%s]", byOwner, old.ID)
	}
}
