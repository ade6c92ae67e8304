package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reelworks/orchestrator/internal/domain/jobs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func terminalJob(url string) *jobs.BulkJob {
	return &jobs.BulkJob{
		ID:          "01J0000000000000000000TEST",
		TenantID:    "acme",
		State:       jobs.JobStateCompleted,
		CallbackURL: url,
		Counts:      jobs.ItemCounts{Total: 2, Completed: 2},
	}
}

func TestDeliverPostsTerminalSnapshot(t *testing.T) {
	var got struct {
		Event string        `json:"event"`
		Job   *jobs.BulkJob `json:"job"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := NewSender(zerolog.Nop())
	require.NoError(t, sender.Deliver(context.Background(), terminalJob(server.URL)))

	require.Equal(t, "job.completed", got.Event)
	require.NotNil(t, got.Job)
	require.Equal(t, "01J0000000000000000000TEST", got.Job.ID)
	require.Equal(t, 2, got.Job.Counts.Completed)
}

func TestDeliverSkipsJobsWithoutCallback(t *testing.T) {
	sender := NewSender(zerolog.Nop())
	require.NoError(t, sender.Deliver(context.Background(), terminalJob("")))
}

func TestDeliverNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender := NewSender(zerolog.Nop())
	err := sender.Deliver(context.Background(), terminalJob(server.URL))
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestDeliverConnectionRefusedIsError(t *testing.T) {
	sender := NewSender(zerolog.Nop())
	err := sender.Deliver(context.Background(), terminalJob("http://127.0.0.1:1/callback"))
	require.Error(t, err)
}

func TestDirectNotifierDeliversAsynchronously(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewDirectNotifier(NewSender(zerolog.Nop()), zerolog.Nop())
	require.NoError(t, notifier.NotifyTerminal(context.Background(), terminalJob(server.URL)))

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
