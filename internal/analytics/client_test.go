package analytics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/segment-engine/internal/pkg/httpretry"
)

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "k-123"})
	c.SetHTTPClient(httpretry.NewRetryClient(srv.Client(), 2, httpretry.WithBackoff(time.Millisecond, time.Millisecond)))
	return c
}

func TestSegmentPerformance(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/segments/"+id.String()+"/performance", r.URL.Path)
		assert.Equal(t, "Bearer k-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"emails_sent":1000,"emails_opened":400,"emails_clicked":50,
			"conversions":7,"revenue":1234.5,"engagement_score":0.42,
			"calculated_at":"2025-02-01T10:00:00Z"}`))
	}))
	defer srv.Close()

	perf, err := newTestClient(srv).SegmentPerformance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, perf.SegmentID)
	assert.EqualValues(t, 1000, perf.EmailsSent)
	assert.EqualValues(t, 400, perf.EmailsOpened)
	assert.EqualValues(t, 7, perf.Conversions)
	assert.InDelta(t, 1234.5, perf.Revenue, 1e-9)
	assert.Equal(t, time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC), perf.LastCalculated)
}

func TestSegmentPerformance_UnknownSegment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	id := uuid.New()
	perf, err := newTestClient(srv).SegmentPerformance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, perf.SegmentID)
	assert.Zero(t, perf.EmailsSent)
}

func TestSegmentPerformance_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "warehouse down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).SegmentPerformance(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "warehouse down")
	assert.EqualValues(t, 3, calls.Load())
}

func TestSegmentPerformance_BadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).SegmentPerformance(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrUnavailable)
}
