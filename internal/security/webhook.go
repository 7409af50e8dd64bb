package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries the deposit gateway's HMAC of the request body.
const SignatureHeader = "X-Gateway-Signature"

// maxWebhookBody bounds how much of an inbound webhook we buffer.
const maxWebhookBody = 1 << 20

// Sign computes the hex HMAC-SHA256 of payload under secret. The gateway
// computes the same value on its side.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// WebhookAuth verifies the gateway signature on inbound webhooks. With an
// empty secret verification is disabled (dev mode). The body is re-buffered
// so downstream handlers can still bind it.
func WebhookAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		got := c.GetHeader(SignatureHeader)
		want := Sign(body, secret)
		if got == "" || !hmac.Equal([]byte(got), []byte(want)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
			return
		}
		c.Next()
	}
}
