package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveTx(t *testing.T) {
	r := New()
	r.ObserveTx("open", "success", 40, 7, 2*time.Millisecond)
	r.ObserveTx("open", "reverted", 12, 8, time.Millisecond)
	r.ObserveTx("open", "success", 40, 9, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transactions.WithLabelValues("open", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transactions.WithLabelValues("open", "reverted")))
	assert.Equal(t, 9.0, testutil.ToFloat64(r.blockHeight))
}

func TestPositionsGauge(t *testing.T) {
	r := New()
	r.PositionOpened()
	r.PositionOpened()
	r.PositionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.openPositions))
}

func TestHandler(t *testing.T) {
	r := New()
	r.FlashBorrowed("DAI", 3000)
	r.LockConflict()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `fusemargin_flash_borrowed_base_units_total{asset="DAI"} 3000`), body)
	assert.Contains(t, body, "fusemargin_position_lock_conflicts_total 1")
}
