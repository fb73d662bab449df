package middleware

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

const testSharedSecret = "test-internal-secret"

func internalTestRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/internal/echo", InternalAuth(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func signedRequest(t *testing.T, body []byte, timestamp, signature string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/internal/echo", bytes.NewReader(body))
	if timestamp != "" {
		req.Header.Set("X-Internal-Timestamp", timestamp)
	}
	if signature != "" {
		req.Header.Set("X-Internal-Signature", signature)
	}
	return req
}

func TestInternalAuthAcceptsValidSignature(t *testing.T) {
	r := internalTestRouter(testSharedSecret)
	body := []byte(`{"userId":"user-1"}`)
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	sig := SignInternalRequest(testSharedSecret, timestamp, body)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, body, timestamp, sig))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInternalAuthRejectsWrongSignature(t *testing.T) {
	r := internalTestRouter(testSharedSecret)
	body := []byte(`{"userId":"user-1"}`)
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	sig := SignInternalRequest("wrong-secret", timestamp, body)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, body, timestamp, sig))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInternalAuthRejectsTamperedBody(t *testing.T) {
	r := internalTestRouter(testSharedSecret)
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	sig := SignInternalRequest(testSharedSecret, timestamp, []byte(`{"userId":"user-1"}`))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, []byte(`{"userId":"user-2"}`), timestamp, sig))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInternalAuthRejectsStaleTimestamp(t *testing.T) {
	r := internalTestRouter(testSharedSecret)
	body := []byte(`{}`)
	timestamp := fmt.Sprintf("%d", time.Now().Add(-5*time.Minute).Unix())
	sig := SignInternalRequest(testSharedSecret, timestamp, body)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, body, timestamp, sig))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInternalAuthRejectsMissingHeaders(t *testing.T) {
	r := internalTestRouter(testSharedSecret)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, []byte(`{}`), "", ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInternalAuthFailsClosedWithoutSecret(t *testing.T) {
	r := internalTestRouter("")
	body := []byte(`{}`)
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, body, timestamp, SignInternalRequest("", timestamp, body)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
