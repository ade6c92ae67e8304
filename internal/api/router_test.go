package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reelworks/orchestrator/internal/api"
	"github.com/reelworks/orchestrator/internal/api/middleware"
	"github.com/reelworks/orchestrator/internal/domain/jobs"
	"github.com/reelworks/orchestrator/internal/events"
	"github.com/reelworks/orchestrator/internal/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	svc     *jobs.Service
	bus     *events.Bus
	handler http.Handler
}

func newAPIFixture(t *testing.T, rateLimit middleware.RateLimitConfig) *apiFixture {
	t.Helper()

	bus := events.New(zerolog.Nop())
	t.Cleanup(bus.Shutdown)

	svc := jobs.NewService(memory.NewRepository(), bus, zerolog.Nop())
	handler := api.NewRouter(api.Deps{
		Service:   svc,
		Bus:       bus,
		Env:       "test",
		Version:   "test",
		GitCommit: "deadbeef",
		RateLimit: rateLimit,
		Logger:    zerolog.Nop(),
	})
	return &apiFixture{svc: svc, bus: bus, handler: handler}
}

func (f *apiFixture) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if tenant != "" {
		req.Header.Set(middleware.TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func createPayload(rows int) map[string]any {
	seeds := make([]map[string]any, rows)
	for i := range seeds {
		seeds[i] = map[string]any{"row_index": i, "title": fmt.Sprintf("row %d", i)}
	}
	return map[string]any{"rows": seeds}
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestCreateJob(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(3))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeJob(t, rec)
	require.Equal(t, "pending", body["state"])
	require.Equal(t, "acme", body["tenant_id"])
	require.NotEmpty(t, body["id"])
	require.Equal(t, float64(0), body["percent_complete"])
}

func TestCreateJobRequiresTenant(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", "", createPayload(1))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	body := decodeJob(t, rec)
	require.Contains(t, body["detail"], middleware.TenantHeader)
}

func TestCreateJobValidationProblem(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", "acme", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeJob(t, rec)
	require.Equal(t, "https://reelworks.dev/problems/validation-error", body["type"])
	errs, ok := body["errors"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, errs, "rows")
}

func TestCreateJobMalformedBody(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("{not json"))
	req.Header.Set(middleware.TenantHeader, "acme")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobIdempotentReplay(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	payload := createPayload(2)
	payload["idempotency_key"] = "batch-42"

	first := f.do(t, http.MethodPost, "/api/v1/jobs", "acme", payload)
	require.Equal(t, http.StatusCreated, first.Code)

	second := f.do(t, http.MethodPost, "/api/v1/jobs", "acme", payload)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, decodeJob(t, first)["id"], decodeJob(t, second)["id"])
}

func TestCreateJobIdempotencyHeaderWins(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	payload := createPayload(2)
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(raw))
	req.Header.Set(middleware.TenantHeader, "acme")
	req.Header.Set("Idempotency-Key", "header-key")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "header-key", decodeJob(t, rec)["idempotency_key"])
}

func TestCreateJobIdempotencyConflict(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	payload := createPayload(2)
	payload["idempotency_key"] = "batch-42"
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/jobs", "acme", payload).Code)

	changed := createPayload(3)
	changed["idempotency_key"] = "batch-42"
	rec := f.do(t, http.MethodPost, "/api/v1/jobs", "acme", changed)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "https://reelworks.dev/problems/idempotency-conflict", decodeJob(t, rec)["type"])
}

func TestGetJob(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	created := decodeJob(t, f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(1)))
	id := created["id"].(string)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/"+id, "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, id, decodeJob(t, rec)["id"])
}

func TestGetJobIsTenantScoped(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	created := decodeJob(t, f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(1)))
	id := created["id"].(string)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/"+id, "globex", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "https://reelworks.dev/problems/not-found", decodeJob(t, rec)["type"])
}

func TestGetJobRejectsMalformedID(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/not-a-ulid", "acme", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsPagination(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(1)).Code)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/jobs?limit=2", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Jobs       []map[string]any `json:"jobs"`
		NextCursor string           `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Jobs, 2)
	require.NotEmpty(t, page.NextCursor)

	seen := map[string]bool{page.Jobs[0]["id"].(string): true, page.Jobs[1]["id"].(string): true}
	for page.NextCursor != "" {
		rec = f.do(t, http.MethodGet, "/api/v1/jobs?limit=2&cursor="+page.NextCursor, "acme", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		page.NextCursor = ""
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		for _, job := range page.Jobs {
			id := job["id"].(string)
			require.False(t, seen[id], "job %s returned on two pages", id)
			seen[id] = true
		}
	}
	require.Len(t, seen, 5)
}

func TestListJobsRejectsBadCursor(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	rec := f.do(t, http.MethodGet, "/api/v1/jobs?cursor=%21%21%21", "acme", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	created := decodeJob(t, f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(2)))
	id := created["id"].(string)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", "acme", map[string]any{"reason": "operator request"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	// Nothing was in flight, so cancellation settles in the same request.
	require.Equal(t, "canceled", decodeJob(t, rec)["state"])
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	created := decodeJob(t, f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(1)))
	id := created["id"].(string)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", "acme", nil).Code)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", "acme", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decodeJob(t, rec)
	require.Equal(t, "https://reelworks.dev/problems/state-conflict", body["type"])
	require.Contains(t, body["detail"], "canceled")
}

func TestPausePendingJobConflicts(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	created := decodeJob(t, f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(1)))
	id := created["id"].(string)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/pause", "acme", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestPauseResumeRunningJob(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	created := decodeJob(t, f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(2)))
	id := created["id"].(string)

	_, err := f.svc.StartJob(context.Background(), id)
	require.NoError(t, err)

	// Pause acknowledges with the handshake state; the sweep settles it to
	// paused once in-flight items drain.
	rec := f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/pause", "acme", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "pausing", decodeJob(t, rec)["state"])

	rec = f.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/resume", "acme", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "running", decodeJob(t, rec)["state"])
}

func TestListItems(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	created := decodeJob(t, f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(5)))
	id := created["id"].(string)

	ctx := context.Background()
	_, err := f.svc.StartJob(ctx, id)
	require.NoError(t, err)
	seeds := make([]jobs.ItemSeed, 5)
	for i := range seeds {
		seeds[i] = jobs.ItemSeed{RowIndex: i, Title: fmt.Sprintf("row %d", i)}
	}
	require.NoError(t, f.svc.MaterializeItems(ctx, id, seeds))

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/items?limit=3", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Items      []map[string]any `json:"items"`
		NextCursor string           `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 3)
	require.NotEmpty(t, page.NextCursor)
	require.Equal(t, float64(0), page.Items[0]["row_index"])

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/items?cursor="+page.NextCursor, "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 2)
	require.Equal(t, float64(3), page.Items[0]["row_index"])
}

func TestListItemsStateFilter(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	created := decodeJob(t, f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(2)))
	id := created["id"].(string)

	ctx := context.Background()
	_, err := f.svc.StartJob(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.svc.MaterializeItems(ctx, id, []jobs.ItemSeed{{RowIndex: 0}, {RowIndex: 1}}))

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/items?state=completed", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Empty(t, page.Items)

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/items?state=bogus", "acme", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMutationRateLimit(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{MutationsPerMinute: 10, Burst: 1})

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(1)).Code)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(1))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Reads are never throttled and other tenants have their own bucket.
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/jobs", "acme", nil).Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/jobs", "globex", createPayload(1)).Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", decodeJob(t, rec)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRouteProblem(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	rec := f.do(t, http.MethodGet, "/api/v2/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRequestIDPropagates(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	// A missing request ID gets generated.
	rec = f.do(t, http.MethodGet, "/healthz", "", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestEventStreamReplayAndLive(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	created := decodeJob(t, f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(1)))
	id := created["id"].(string)

	server := httptest.NewServer(f.handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/jobs/" + id + "/events?since=0"
	header := http.Header{}
	header.Set(middleware.TenantHeader, "acme")

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// job.created was published before the subscription, so it arrives as
	// replay; the transition below arrives live.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first events.Envelope
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, events.TypeJobCreated, first.Type)
	require.Equal(t, uint64(1), first.Sequence)

	_, err = f.svc.StartJob(context.Background(), id)
	require.NoError(t, err)

	var second events.Envelope
	require.NoError(t, conn.ReadJSON(&second))
	require.Equal(t, events.TypeJobStateChanged, second.Type)
	require.Equal(t, uint64(2), second.Sequence)
}

func TestEventStreamReplayGap(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	created := decodeJob(t, f.do(t, http.MethodPost, "/api/v1/jobs", "acme", createPayload(1)))
	id := created["id"].(string)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/events?since=99", "acme", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "https://reelworks.dev/problems/replay-gap", decodeJob(t, rec)["type"])
}

func TestEventStreamUnknownJob(t *testing.T) {
	f := newAPIFixture(t, middleware.RateLimitConfig{})

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/01HZZZZZZZZZZZZZZZZZZZZZZZ/events", "acme", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
