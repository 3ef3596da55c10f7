package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequester_SetsContext(t *testing.T) {
	router := gin.New()
	router.Use(Requester())
	router.GET("/whoami", func(c *gin.Context) {
		c.String(200, GetRequesterID(c))
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/whoami", nil)
	req.Header.Set(RequesterHeader, "  u-42 ")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if got := w.Body.String(); got != "u-42" {
		t.Errorf("requester = %q, expected %q", got, "u-42")
	}
}

func TestRequester_MissingHeaderPassesThrough(t *testing.T) {
	router := gin.New()
	router.Use(Requester())
	router.GET("/whoami", func(c *gin.Context) {
		c.String(200, GetRequesterID(c))
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/whoami", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("requester = %q, expected empty", w.Body.String())
	}
}

func TestRequester_RejectsOversizedID(t *testing.T) {
	router := gin.New()
	router.Use(Requester())
	router.GET("/whoami", func(c *gin.Context) {
		c.String(200, "ok")
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/whoami", nil)
	req.Header.Set(RequesterHeader, strings.Repeat("x", maxRequesterIDLen+1))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}
