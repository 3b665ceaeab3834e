package queue

import (
	"context"
	"time"

	"go.moonmind.dev/infra/go/now"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/jobqueue/go/db"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

// PublishOutcomes summarizes publish results over a telemetry window.
type PublishOutcomes struct {
	PublishedRate float64 `json:"publishedRate"`
	FailedRate    float64 `json:"failedRate"`
}

// MigrationTelemetry is the payload of GET /queue/telemetry/migration.
type MigrationTelemetry struct {
	TotalJobs       int                     `json:"totalJobs"`
	JobVolumeByType map[types.JobType]int   `json:"jobVolumeByType"`
	PublishOutcomes PublishOutcomes         `json:"publishOutcomes"`
	WindowHours     int                     `json:"windowHours"`
	StatusCounts    map[types.JobStatus]int `json:"statusCounts"`
}

// MigrationTelemetry aggregates job volume and publish outcomes over the
// trailing window.
func (q *Queue) MigrationTelemetry(ctx context.Context, windowHours int) (*MigrationTelemetry, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	cutoff := now.Now(ctx).Add(-time.Duration(windowHours) * time.Hour)
	jobs, err := q.db.SearchJobs(ctx, &db.JobSearchParams{})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	rv := &MigrationTelemetry{
		JobVolumeByType: map[types.JobType]int{},
		StatusCounts:    map[types.JobStatus]int{},
		WindowHours:     windowHours,
	}
	publishTotal := 0
	publishOk := 0
	publishFailed := 0
	for _, j := range jobs {
		if j.Created.Before(cutoff) {
			continue
		}
		rv.TotalJobs++
		rv.JobVolumeByType[j.Type]++
		rv.StatusCounts[j.Status]++
		if j.TaskPayload == nil || j.TaskPayload.Task.Publish.Mode == types.PublishModeNone {
			continue
		}
		if !j.Done() {
			continue
		}
		publishTotal++
		switch j.Status {
		case types.JobStatusSucceeded:
			publishOk++
		case types.JobStatusFailed:
			publishFailed++
		}
	}
	if publishTotal > 0 {
		rv.PublishOutcomes.PublishedRate = float64(publishOk) / float64(publishTotal)
		rv.PublishOutcomes.FailedRate = float64(publishFailed) / float64(publishTotal)
	}
	return rv, nil
}
