package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadinessAllProbesPass(t *testing.T) {
	r := NewReadiness(time.Second,
		Probe{Name: "db", Check: func(context.Context) error { return nil }},
		Probe{Name: "redis", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Ready  bool          `json:"ready"`
		Checks []ProbeResult `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Ready)
	require.Len(t, body.Checks, 2)
	assert.True(t, body.Checks[0].OK)
}

func TestReadinessFailingProbeReports503(t *testing.T) {
	r := NewReadiness(time.Second,
		Probe{Name: "db", Check: func(context.Context) error { return nil }},
		Probe{Name: "queue", Check: func(context.Context) error { return errors.New("broker unreachable") }},
	)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Ready  bool          `json:"ready"`
		Checks []ProbeResult `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Ready)
	require.Len(t, body.Checks, 2)
	assert.True(t, body.Checks[0].OK)
	assert.False(t, body.Checks[1].OK)
	assert.Contains(t, body.Checks[1].Details, "broker unreachable")
}

func TestReadinessDefaultTimeout(t *testing.T) {
	r := NewReadiness(0)
	assert.Equal(t, 2*time.Second, r.Timeout)
}
