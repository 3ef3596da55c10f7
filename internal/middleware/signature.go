package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/reviewpulse/pkg/logger"
)

const SignatureHeader = "X-Signature-256"

// VerifySignature checks a "sha256=<hex>" HMAC of body under secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expectedMAC := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.TrimPrefix(signature, "sha256=")), []byte(expectedMAC))
}

// WebhookSignature rejects callbacks whose X-Signature-256 does not match secret. An empty
// secret disables the check.
func WebhookSignature(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "failed to read body"})
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if !VerifySignature(secret, body, c.GetHeader(SignatureHeader)) {
			logger.Warn().Str("path", c.Request.URL.Path).Str("ip", c.ClientIP()).Msg("[Webhook] Invalid signature")
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "message": "invalid signature"})
			c.Abort()
			return
		}
		c.Next()
	}
}
