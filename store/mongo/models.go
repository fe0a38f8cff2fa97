package mongo

import (
	"fmt"
	"time"

	"github.com/filterforge/buildq"
	"github.com/filterforge/buildq/id"
	"github.com/filterforge/buildq/job"
	"github.com/filterforge/buildq/progress"
)

// jobModel is the persisted shape of a job. WorkerID is a nullable string
// so the claim filter can match on worker_id: null for unclaimed jobs.
type jobModel struct {
	ID          string            `bson:"_id"`
	Owner       string            `bson:"owner"`
	Type        string            `bson:"type"`
	Status      string            `bson:"status"`
	Priority    int               `bson:"priority"`
	WorkerID    *string           `bson:"worker_id"`
	ClaimedAt   *time.Time        `bson:"claimed_at,omitempty"`
	StartedAt   *time.Time        `bson:"started_at,omitempty"`
	HeartbeatAt *time.Time        `bson:"heartbeat_at,omitempty"`
	CompletedAt *time.Time        `bson:"completed_at,omitempty"`
	Progress    progress.Progress `bson:"progress"`
	Result      *job.Result       `bson:"result,omitempty"`
	Read        bool              `bson:"read"`
	CreatedAt   time.Time         `bson:"created_at"`
	UpdatedAt   time.Time         `bson:"updated_at"`
}

func toJobModel(j *job.Job) *jobModel {
	m := &jobModel{
		ID:          j.ID.String(),
		Owner:       j.Owner,
		Type:        string(j.Type),
		Status:      string(j.Status),
		Priority:    int(j.Priority),
		ClaimedAt:   j.ClaimedAt,
		StartedAt:   j.StartedAt,
		HeartbeatAt: j.HeartbeatAt,
		CompletedAt: j.CompletedAt,
		Progress:    j.Progress,
		Result:      j.Result,
		Read:        j.Read,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if !j.WorkerID.IsNil() {
		w := j.WorkerID.String()
		m.WorkerID = &w
	}
	return m
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("buildq/mongo: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: buildq.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          parsedID,
		Owner:       m.Owner,
		Type:        job.Type(m.Type),
		Status:      job.Status(m.Status),
		Priority:    job.Priority(m.Priority),
		ClaimedAt:   m.ClaimedAt,
		StartedAt:   m.StartedAt,
		HeartbeatAt: m.HeartbeatAt,
		CompletedAt: m.CompletedAt,
		Progress:    m.Progress,
		Result:      m.Result,
		Read:        m.Read,
	}

	if m.WorkerID != nil && *m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(*m.WorkerID)
		if wErr != nil {
			return nil, fmt.Errorf("buildq/mongo: parse worker id %q: %w", *m.WorkerID, wErr)
		}
		j.WorkerID = parsedWorker
	}

	return j, nil
}
