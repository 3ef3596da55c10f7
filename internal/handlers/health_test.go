package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/huangang/reviewpulse/internal/config"
	"github.com/huangang/reviewpulse/internal/models"
	"github.com/huangang/reviewpulse/internal/services"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHealthRouter(t *testing.T) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	db, err := models.Open(&config.DatabaseConfig{Driver: "sqlite", DSN: "file:health?mode=memory&cache=shared"})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	h := NewHealthHandler(db, rdb, services.NewJobLedger(db, 2), services.NewLogPublisher(), services.NewSSEHub())
	router := gin.New()
	router.GET("/health", h.CheckHealth)
	return router, mr
}

func getHealth(t *testing.T, router *gin.Engine) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	router, _ := newHealthRouter(t)

	code, body := getHealth(t, router)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	components := body["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["redis"])
	assert.Equal(t, "log-only", components["broker_mode"])
	assert.Equal(t, float64(0), components["processing_jobs"])
}

func TestHealthHandler_RedisDownIsDegraded(t *testing.T) {
	router, mr := newHealthRouter(t)
	mr.Close()

	code, body := getHealth(t, router)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])
}
