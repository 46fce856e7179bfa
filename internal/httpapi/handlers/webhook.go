package handlers

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// WebhookScheduler is the subset of *ingest.Ingestor the webhook handler
// drives.
type WebhookScheduler interface {
	HandleWebhookEvent(ctx context.Context, marketID common.Address, correlationID string) error
}

type webhookMarketRow struct {
	Address  string `json:"address" binding:"required"`
	Resolved bool   `json:"resolved"`
}

// webhookPayload is the indexer's change-feed shape (spec.md §4.9):
// { op, entity, data: { old?, new? } }.
type webhookPayload struct {
	Op     string `json:"op" binding:"required,oneof=INSERT UPDATE DELETE"`
	Entity string `json:"entity" binding:"required"`
	Data   struct {
		Old *webhookMarketRow `json:"old"`
		New *webhookMarketRow `json:"new"`
	} `json:"data" binding:"required"`
}

// Webhook serves POST /webhook/market: on INSERT/UPDATE for a market row
// with resolved == false, schedule or rearm its job. The signature check
// itself runs in the VerifyWebhookHMAC middleware ahead of this handler.
func Webhook(in WebhookScheduler) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var payload webhookPayload
		if !BindJSON(ctx, &payload) {
			return
		}

		if payload.Op == "DELETE" || payload.Data.New == nil || payload.Data.New.Resolved {
			ctx.JSON(http.StatusOK, gin.H{"scheduled": false})
			return
		}

		marketID := common.HexToAddress(payload.Data.New.Address)
		correlationID := requestIDFrom(ctx)

		if err := in.HandleWebhookEvent(ctx.Request.Context(), marketID, correlationID); err != nil {
			RespondInternal(ctx, "failed to schedule market resolution")
			return
		}

		ctx.JSON(http.StatusOK, gin.H{"scheduled": true, "marketId": marketID.Hex()})
	}
}
