package handlers

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/oraclerunner/runner/internal/scheduler"
)

// Resolve serves POST /resolve/{marketId}: a manual trigger that behaves
// exactly as a fired timer for marketId's job (spec.md §4.9).
func Resolve(sched Trigger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		raw := ctx.Param("marketId")
		if !common.IsHexAddress(raw) {
			RespondBadRequest(ctx, "marketId must be a hex address", nil)
			return
		}
		marketID := common.HexToAddress(raw)

		jobID, err := sched.TriggerNow(ctx.Request.Context(), marketID)
		if err != nil {
			if errors.Is(err, scheduler.ErrNoJobForMarket) {
				RespondNotFound(ctx, "no scheduled job for this market")
				return
			}
			RespondInternal(ctx, "failed to trigger resolution")
			return
		}

		ctx.JSON(http.StatusOK, gin.H{"jobId": jobID, "marketId": marketID.Hex()})
	}
}
