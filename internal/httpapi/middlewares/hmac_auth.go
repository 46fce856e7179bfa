package middlewares

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const webhookSignatureHeader = "X-Signature"

// VerifyWebhookHMAC checks the request body against an HMAC-SHA256
// signature carried in X-Signature (hex-encoded), grounded on the
// teacher's hmac.New/hmac.Equal state-parameter verification. The body
// is buffered and restored so downstream BindJSON still sees it.
func VerifyWebhookHMAC(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sigHex := c.GetHeader(webhookSignatureHeader)
		if sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "missing_signature", "message": "X-Signature header is required"},
			})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "invalid_request", "message": "could not read request body"},
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		sig, err := hex.DecodeString(sigHex)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "invalid_signature", "message": "signature is not valid hex"},
			})
			return
		}

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := mac.Sum(nil)

		if !hmac.Equal(sig, expected) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "invalid_signature", "message": "signature mismatch"},
			})
			return
		}

		c.Next()
	}
}
