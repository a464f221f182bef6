package supervisor

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libreqos/bufferbloat-validator/internal/config"
)

func testSupervisor() *Supervisor {
	cfg := config.Defaults()
	return New(cfg, "/bin/true")
}

func TestHandleRedirectKnownArchetype(t *testing.T) {
	s := testSupervisor()
	req := httptest.NewRequest(http.MethodGet, "/ws/virtual-household/gamer", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"port":8001`)
}

func TestHandleRedirectUnknownArchetype(t *testing.T) {
	s := testSupervisor()
	req := httptest.NewRequest(http.MethodGet, "/ws/virtual-household/vampire", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAggregateHealthBeforeStart(t *testing.T) {
	s := testSupervisor()
	req := httptest.NewRequest(http.MethodGet, "/virtual-household/health", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"archetype"`)
}
