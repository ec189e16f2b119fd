// Package analytics reads segment performance from the campaign analytics
// service.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/segment-engine/internal/pkg/httpretry"
	"github.com/ignite/segment-engine/internal/pkg/logger"
	"github.com/ignite/segment-engine/internal/segmentation"
)

// ErrUnavailable wraps every failure to reach the analytics service.
var ErrUnavailable = errors.New("analytics service unavailable")

// Config holds the analytics service connection settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// Client is a segmentation.PerformanceAggregator backed by the analytics
// HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
}

var _ segmentation.PerformanceAggregator = (*Client)(nil)

// NewClient creates a new analytics API client.
func NewClient(config Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: timeout,
		}, config.MaxRetries),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

type performanceResponse struct {
	EmailsSent      int64      `json:"emails_sent"`
	EmailsOpened    int64      `json:"emails_opened"`
	EmailsClicked   int64      `json:"emails_clicked"`
	Conversions     int64      `json:"conversions"`
	Revenue         float64    `json:"revenue"`
	EngagementScore float64    `json:"engagement_score"`
	ChurnRate       float64    `json:"churn_rate"`
	GrowthRate      float64    `json:"growth_rate"`
	CalculatedAt    *time.Time `json:"calculated_at"`
}

// SegmentPerformance fetches the metrics for segmentID. A segment the
// analytics service has never seen reports zeroed metrics.
func (c *Client) SegmentPerformance(ctx context.Context, segmentID uuid.UUID) (*segmentation.SegmentPerformance, error) {
	endpoint := fmt.Sprintf("%s/v1/segments/%s/performance", c.baseURL, url.PathEscape(segmentID.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		logger.Debug("no performance recorded for segment", "segment_id", segmentID)
		return &segmentation.SegmentPerformance{SegmentID: segmentID}, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pr performanceResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}

	perf := &segmentation.SegmentPerformance{
		SegmentID:       segmentID,
		EmailsSent:      pr.EmailsSent,
		EmailsOpened:    pr.EmailsOpened,
		EmailsClicked:   pr.EmailsClicked,
		Conversions:     pr.Conversions,
		Revenue:         pr.Revenue,
		EngagementScore: pr.EngagementScore,
		ChurnRate:       pr.ChurnRate,
		GrowthRate:      pr.GrowthRate,
	}
	if pr.CalculatedAt != nil {
		perf.LastCalculated = pr.CalculatedAt.UTC()
	}
	return perf, nil
}
