package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/premiumsync/internal/entitlement"
	"github.com/dukerupert/premiumsync/internal/model"
)

type stubSyncer struct {
	run model.SyncRun
	err error
}

func (s *stubSyncer) Sync(_ context.Context, trigger model.SyncTrigger) (model.SyncRun, error) {
	s.run.Trigger = trigger
	return s.run, s.err
}

type stubRuns struct {
	runs      []model.SyncRun
	err       error
	lastLimit int
}

func (s *stubRuns) List(limit int) ([]model.SyncRun, error) {
	s.lastLimit = limit
	return s.runs, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTriggerStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"completed", nil, http.StatusOK},
		{"skipped", fmt.Errorf("%w: patron roster is empty", entitlement.ErrSyncUnavailable), http.StatusServiceUnavailable},
		{"failed", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSyncHandler(&stubSyncer{run: model.SyncRun{ID: "r1"}, err: tt.err}, &stubRuns{}, testLogger())

			rec := httptest.NewRecorder()
			h.Trigger(rec, httptest.NewRequest("POST", "/api/sync", nil))

			assert.Equal(t, tt.want, rec.Code)
			var got model.SyncRun
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			assert.Equal(t, "r1", got.ID)
			assert.Equal(t, model.SyncTriggerAPI, got.Trigger)
		})
	}
}

func TestListRuns(t *testing.T) {
	runs := &stubRuns{runs: []model.SyncRun{{ID: "a"}, {ID: "b"}}}
	h := NewSyncHandler(&stubSyncer{}, runs, testLogger())

	rec := httptest.NewRecorder()
	h.ListRuns(rec, httptest.NewRequest("GET", "/api/sync/runs?limit=5", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, runs.lastLimit)
	var got []model.SyncRun
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Len(t, got, 2)
}

func TestListRunsEmptyIsArray(t *testing.T) {
	h := NewSyncHandler(&stubSyncer{}, &stubRuns{}, testLogger())

	rec := httptest.NewRecorder()
	h.ListRuns(rec, httptest.NewRequest("GET", "/api/sync/runs", nil))
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestListRunsBadLimit(t *testing.T) {
	h := NewSyncHandler(&stubSyncer{}, &stubRuns{}, testLogger())
	for _, q := range []string{"0", "101", "abc"} {
		rec := httptest.NewRecorder()
		h.ListRuns(rec, httptest.NewRequest("GET", "/api/sync/runs?limit="+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestListRunsStoreError(t *testing.T) {
	h := NewSyncHandler(&stubSyncer{}, &stubRuns{err: errors.New("db closed")}, testLogger())
	rec := httptest.NewRecorder()
	h.ListRuns(rec, httptest.NewRequest("GET", "/api/sync/runs", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
