package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mani1728/Mani-FAI-Client/internal/storage/memory"
	"github.com/mani1728/Mani-FAI-Client/internal/store"
)

func seedRuns(t *testing.T) (*memory.RunStore, []uuid.UUID) {
	t.Helper()
	repo := memory.NewRunStore(10)
	ctx := context.Background()
	base := time.Date(2025, 1, 4, 16, 30, 0, 0, time.UTC)
	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, repo.StartRun(ctx, store.Run{
			ID:        ids[i],
			Kind:      "symbols",
			Login:     5551234,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Status:    store.RunRunning,
		}))
	}
	require.NoError(t, repo.CompleteRun(ctx, ids[0], base.Add(30*time.Second), store.RunFinished, 1200, nil))
	msg := "terminal not running"
	require.NoError(t, repo.CompleteRun(ctx, ids[1], base.Add(90*time.Second), store.RunError, 0, &msg))
	return repo, ids
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	repo, ids := seedRuns(t)
	server := newTestServer(t, &fakeClient{}, &mockSyncer{}, repo)

	rec := serve(server, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []store.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 3)
	require.Equal(t, ids[2], body.Runs[0].ID)

	rec = serve(server, http.MethodGet, "/v1/runs?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, ids[1], body.Runs[0].ID)
	require.NotNil(t, body.Runs[0].ErrorMessage)

	rec = serve(server, http.MethodGet, "/v1/runs?limit=1&offset=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, ids[0], body.Runs[0].ID)
	require.Equal(t, int64(1200), body.Runs[0].Total)
}

func TestListRunsRejectsBadQuery(t *testing.T) {
	t.Parallel()

	repo, _ := seedRuns(t)
	server := newTestServer(t, &fakeClient{}, &mockSyncer{}, repo)

	for _, path := range []string{
		"/v1/runs?status=bogus",
		"/v1/runs?limit=0",
		"/v1/runs?offset=-1",
	} {
		rec := serve(server, http.MethodGet, path, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	repo, ids := seedRuns(t)
	server := newTestServer(t, &fakeClient{}, &mockSyncer{}, repo)

	rec := serve(server, http.MethodGet, "/v1/runs/"+ids[0].String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run store.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, store.RunFinished, body.Run.Status)
	require.NotNil(t, body.Run.FinishedAt)

	rec = serve(server, http.MethodGet, "/v1/runs/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/runs/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsWithoutRepository(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeClient{}, &mockSyncer{}, nil)
	rec := serve(server, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = serve(server, http.MethodGet, "/v1/runs/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListRunsRepositoryFailure(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeClient{}, &mockSyncer{}, failingRepo{})
	rec := serve(server, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "failed to list runs")
}

type failingRepo struct {
	store.RunRepository
}

func (failingRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, errors.New("connection reset")
}
