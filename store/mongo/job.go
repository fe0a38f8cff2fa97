package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/filterforge/buildq"
	"github.com/filterforge/buildq/id"
	"github.com/filterforge/buildq/job"
	"github.com/filterforge/buildq/progress"
)

// activeStatuses matches jobs still occupying the queue.
var activeStatuses = bson.M{"$in": []string{
	string(job.StatusQueued),
	string(job.StatusProcessing),
}}

// claimOrder sorts eligible jobs the way ClaimNextJob picks them.
var claimOrder = bson.D{
	{Key: "priority", Value: 1},
	{Key: "created_at", Value: 1},
}

// CreateJob persists a new job in queued state.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := s.jobs.InsertOne(ctx, toJobModel(j))
	if err != nil {
		if isDuplicateKey(err) {
			return buildq.ErrJobAlreadyExists
		}
		return fmt.Errorf("buildq/mongo: create job: %w", err)
	}
	return nil
}

// ClaimNextJob atomically selects and locks the best eligible job. The
// filter, sort and mutation run as one FindOneAndUpdate, so two workers
// can never claim the same job. Returns (nil, nil) when nothing is
// eligible.
func (s *Store) ClaimNextJob(ctx context.Context, workerID id.WorkerID) (*job.Job, error) {
	t := now()
	w := workerID.String()

	filter := bson.M{
		"status":    string(job.StatusQueued),
		"worker_id": nil,
	}
	update := bson.M{
		"$set": bson.M{
			"status":       string(job.StatusProcessing),
			"worker_id":    w,
			"claimed_at":   t,
			"started_at":   t,
			"heartbeat_at": t,
			"updated_at":   t,
		},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(claimOrder)

	var m jobModel
	err := s.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("buildq/mongo: claim next job: %w", err)
	}
	return fromJobModel(&m)
}

// HeartbeatJob refreshes heartbeat_at while workerID still owns the job.
// A reaped worker's heartbeat matches nothing and reports ok=false.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error) {
	t := now()
	res, err := s.jobs.UpdateOne(ctx,
		ownedFilter(jobID, workerID),
		bson.M{"$set": bson.M{
			"heartbeat_at": t,
			"updated_at":   t,
		}},
	)
	if err != nil {
		return false, fmt.Errorf("buildq/mongo: heartbeat job: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// ReleaseJob returns a processing job owned by workerID to the queue.
func (s *Store) ReleaseJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error) {
	res, err := s.jobs.UpdateOne(ctx,
		ownedFilter(jobID, workerID),
		bson.M{"$set": bson.M{
			"status":       string(job.StatusQueued),
			"worker_id":    nil,
			"claimed_at":   nil,
			"started_at":   nil,
			"heartbeat_at": nil,
			"updated_at":   now(),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("buildq/mongo: release job: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// UpdateJobProgress replaces the progress document while workerID still
// owns the job.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, p progress.Progress) (bool, error) {
	res, err := s.jobs.UpdateOne(ctx,
		ownedFilter(jobID, workerID),
		bson.M{"$set": bson.M{
			"progress":   p,
			"updated_at": now(),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("buildq/mongo: update job progress: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// CompleteJob transitions a processing job owned by workerID to completed.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, summary *job.Summary) (bool, error) {
	return s.finishJob(ctx, jobID, workerID, job.StatusCompleted, job.SuccessResult(summary), nil)
}

// FailJob transitions a processing job owned by workerID to failed with
// read=false so the owner sees the failure badge.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, errs []string) (bool, error) {
	read := false
	return s.finishJob(ctx, jobID, workerID, job.StatusFailed, job.FailureResult(errs), &read)
}

// SkipJob transitions a processing job owned by workerID to skipped.
func (s *Store) SkipJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, reason string) (bool, error) {
	return s.finishJob(ctx, jobID, workerID, job.StatusSkipped, job.SkipResult(reason), nil)
}

// finishJob applies a guarded terminal transition.
func (s *Store) finishJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, status job.Status, result *job.Result, read *bool) (bool, error) {
	t := now()
	set := bson.M{
		"status":       string(status),
		"result":       result,
		"completed_at": t,
		"updated_at":   t,
	}
	if read != nil {
		set["read"] = *read
	}

	res, err := s.jobs.UpdateOne(ctx, ownedFilter(jobID, workerID), bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("buildq/mongo: finish job %s: %w", status, err)
	}
	return res.MatchedCount > 0, nil
}

// ResetStaleJobs requeues every processing job whose heartbeat is older
// than timeout. One UpdateMany re-evaluates staleness at write time, so a
// job re-claimed in the meantime keeps its fresh heartbeat and is
// untouched.
func (s *Store) ResetStaleJobs(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := now().Add(-timeout)

	res, err := s.jobs.UpdateMany(ctx,
		bson.M{
			"status":       string(job.StatusProcessing),
			"heartbeat_at": bson.M{"$ne": nil, "$lt": cutoff},
		},
		bson.M{"$set": bson.M{
			"status":       string(job.StatusQueued),
			"worker_id":    nil,
			"claimed_at":   nil,
			"started_at":   nil,
			"heartbeat_at": nil,
			"updated_at":   now(),
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("buildq/mongo: reset stale jobs: %w", err)
	}
	return res.ModifiedCount, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var m jobModel
	err := s.jobs.FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, buildq.ErrJobNotFound
		}
		return nil, fmt.Errorf("buildq/mongo: get job: %w", err)
	}
	return fromJobModel(&m)
}

// ListJobsByOwner returns the owner's jobs, newest first.
func (s *Store) ListJobsByOwner(ctx context.Context, owner string, opts job.ListOpts) ([]*job.Job, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	return s.findJobs(ctx, bson.M{"owner": owner}, findOpts, "list jobs by owner")
}

// ListRecentJobs returns the most recently created jobs, newest first.
func (s *Store) ListRecentJobs(ctx context.Context, limit int) ([]*job.Job, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	return s.findJobs(ctx, bson.M{}, findOpts, "list recent jobs")
}

// ListActiveJobs returns all queued and processing jobs in claim order.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*job.Job, error) {
	findOpts := options.Find().SetSort(claimOrder)
	return s.findJobs(ctx, bson.M{"status": activeStatuses}, findOpts, "list active jobs")
}

// QueuePosition returns the 1-based claim position of a queued job, or 0
// when the job is not queued. Position is the number of queued jobs that
// claim ahead of it, plus one.
func (s *Store) QueuePosition(ctx context.Context, jobID id.JobID) (int, error) {
	var m jobModel
	err := s.jobs.FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("buildq/mongo: queue position: %w", err)
	}
	if m.Status != string(job.StatusQueued) {
		return 0, nil
	}

	ahead, err := s.jobs.CountDocuments(ctx, bson.M{
		"status": string(job.StatusQueued),
		"$or": bson.A{
			bson.M{"priority": bson.M{"$lt": m.Priority}},
			bson.M{
				"priority":   m.Priority,
				"created_at": bson.M{"$lt": m.CreatedAt},
			},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("buildq/mongo: queue position count: %w", err)
	}
	return int(ahead) + 1, nil
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.Owner != "" {
		filter["owner"] = opts.Owner
	}

	count, err := s.jobs.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("buildq/mongo: count jobs: %w", err)
	}
	return count, nil
}

// ActiveWorkerCount returns the number of distinct workers bound to a
// processing job.
func (s *Store) ActiveWorkerCount(ctx context.Context) (int, error) {
	res := s.jobs.Distinct(ctx, "worker_id", bson.M{
		"status":    string(job.StatusProcessing),
		"worker_id": bson.M{"$ne": nil},
	})

	var workers []string
	if err := res.Decode(&workers); err != nil {
		return 0, fmt.Errorf("buildq/mongo: active worker count: %w", err)
	}
	return len(workers), nil
}

// HasActiveJobForOwner reports whether the owner already has a queued or
// processing job.
func (s *Store) HasActiveJobForOwner(ctx context.Context, owner string) (bool, error) {
	count, err := s.jobs.CountDocuments(ctx,
		bson.M{"owner": owner, "status": activeStatuses},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("buildq/mongo: has active job for owner: %w", err)
	}
	return count > 0, nil
}

// LastCompletedForOwner returns the owner's most recently completed job of
// the given type, or nil.
func (s *Store) LastCompletedForOwner(ctx context.Context, owner string, jobType job.Type) (*job.Job, error) {
	filter := bson.M{
		"owner":  owner,
		"status": string(job.StatusCompleted),
	}
	if jobType != "" {
		filter["type"] = string(jobType)
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "completed_at", Value: -1}})

	var m jobModel
	err := s.jobs.FindOne(ctx, filter, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("buildq/mongo: last completed for owner: %w", err)
	}
	return fromJobModel(&m)
}

// HasUnreadFailures reports whether the owner has unacknowledged failed
// jobs.
func (s *Store) HasUnreadFailures(ctx context.Context, owner string) (bool, error) {
	count, err := s.jobs.CountDocuments(ctx,
		bson.M{
			"owner":  owner,
			"status": string(job.StatusFailed),
			"read":   false,
		},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("buildq/mongo: has unread failures: %w", err)
	}
	return count > 0, nil
}

// MarkFailuresRead acknowledges all of the owner's failed jobs.
func (s *Store) MarkFailuresRead(ctx context.Context, owner string) error {
	_, err := s.jobs.UpdateMany(ctx,
		bson.M{
			"owner":  owner,
			"status": string(job.StatusFailed),
			"read":   false,
		},
		bson.M{"$set": bson.M{
			"read":       true,
			"updated_at": now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("buildq/mongo: mark failures read: %w", err)
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// ownedFilter matches the job only while it is processing and bound to
// workerID. Guarded writes condition on it so a stale worker's write
// matches nothing.
func ownedFilter(jobID id.JobID, workerID id.WorkerID) bson.M {
	return bson.M{
		"_id":       jobID.String(),
		"status":    string(job.StatusProcessing),
		"worker_id": workerID.String(),
	}
}

// findJobs runs a find and converts the results.
func (s *Store) findJobs(ctx context.Context, filter bson.M, findOpts *options.FindOptionsBuilder, op string) ([]*job.Job, error) {
	cursor, err := s.jobs.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("buildq/mongo: %s: %w", op, err)
	}
	defer cursor.Close(ctx)

	var models []jobModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("buildq/mongo: %s decode: %w", op, err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("buildq/mongo: %s convert: %w", op, convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
