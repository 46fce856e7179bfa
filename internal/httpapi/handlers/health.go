package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/oraclerunner/runner/internal/job"
)

// JobLister is the subset of *scheduler.Scheduler the health and jobs
// handlers depend on.
type JobLister interface {
	Jobs(ctx context.Context) ([]job.Job, error)
	QueuePending() (depth, capacity int)
}

// Trigger is the subset of *scheduler.Scheduler the manual-resolve
// handler depends on.
type Trigger interface {
	TriggerNow(ctx context.Context, marketID common.Address) (string, error)
}

type healthResponse struct {
	Status       string         `json:"status"`
	Time         time.Time      `json:"time"`
	QueueDepth   int            `json:"queueDepth"`
	QueueCap     int            `json:"queueCapacity"`
	JobsByStatus map[string]int `json:"jobsByStatus"`
	TotalJobs    int            `json:"totalJobs"`
}

// Health serves GET /health: liveness plus queue stats and job counts
// (spec.md §4.9).
func Health(sched JobLister) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		jobs, err := sched.Jobs(ctx.Request.Context())
		if err != nil {
			RespondInternal(ctx, "failed to load job counts")
			return
		}

		byStatus := make(map[string]int)
		for _, j := range jobs {
			byStatus[string(j.Status)]++
		}

		depth, capacity := sched.QueuePending()

		RespondJSONWithETag(ctx, http.StatusOK, healthResponse{
			Status:       "ok",
			Time:         time.Now(),
			QueueDepth:   depth,
			QueueCap:     capacity,
			JobsByStatus: byStatus,
			TotalJobs:    len(jobs),
		})
	}
}
