package handlers

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/oraclerunner/runner/internal/job"
)

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// Jobs serves GET /jobs?status=&limit=&offset=: the persisted job list,
// newest-updated first (spec.md §4.6 for the field set).
func Jobs(sched JobLister) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		limit := parseInt(ctx.Query("limit"), 50)
		offset := parseInt(ctx.Query("offset"), 0)
		if limit < 1 || limit > 500 {
			RespondBadRequest(ctx, "limit must be between 1 and 500", nil)
			return
		}
		if offset < 0 {
			RespondBadRequest(ctx, "offset must be >= 0", nil)
			return
		}

		all, err := sched.Jobs(ctx.Request.Context())
		if err != nil {
			RespondInternal(ctx, "failed to load jobs")
			return
		}

		statusFilter := job.Status(ctx.Query("status"))
		filtered := make([]job.Job, 0, len(all))
		for _, j := range all {
			if statusFilter != "" && j.Status != statusFilter {
				continue
			}
			filtered = append(filtered, j)
		}

		sort.Slice(filtered, func(i, k int) bool {
			return filtered[i].UpdatedAt.After(filtered[k].UpdatedAt)
		})

		end := offset + limit
		if offset >= len(filtered) {
			filtered = []job.Job{}
		} else {
			if end > len(filtered) {
				end = len(filtered)
			}
			filtered = filtered[offset:end]
		}

		RespondJSONWithETag(ctx, http.StatusOK, gin.H{
			"limit":  limit,
			"offset": offset,
			"count":  len(filtered),
			"items":  filtered,
		})
	}
}
