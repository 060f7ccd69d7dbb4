package training

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// PlottingService posts collected curves to a plotting sidecar
type PlottingService struct {
	baseURL    string
	httpClient *http.Client
	config     PlottingServiceConfig
}

// PlottingServiceConfig contains configuration for the plotting service
type PlottingServiceConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// PlottingResponse represents the response from the plotting service
type PlottingResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PlotURL   string `json:"plot_url,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	PlotID    string `json:"plot_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// BatchPlottingResponse represents the response from the batch endpoint
type BatchPlottingResponse struct {
	Success      bool               `json:"success"`
	Message      string             `json:"message"`
	BatchID      string             `json:"batch_id,omitempty"`
	Results      []PlottingResponse `json:"results,omitempty"`
	DashboardURL string             `json:"dashboard_url,omitempty"`
}

// DefaultPlottingServiceConfig returns default configuration for the plotting service
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// NewPlottingService creates a plotting service client
func NewPlottingService(config PlottingServiceConfig) *PlottingService {
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	return &PlottingService{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
	}
}

// post sends body as JSON and decodes the reply into out
func (ps *PlottingService) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal plot data")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-reslt-training")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send HTTP request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("plot request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return errors.Wrap(json.Unmarshal(respBody, out), "failed to parse response JSON")
}

// retry runs fn until it succeeds, the attempts run out or ctx is done
func (ps *PlottingService) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < ps.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ps.config.RetryDelay):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return errors.Wrapf(lastErr, "failed after %d attempts", ps.config.RetryAttempts)
}

// SendPlotData posts one plot
func (ps *PlottingService) SendPlotData(ctx context.Context, plot PlotData) (*PlottingResponse, error) {
	var resp PlottingResponse
	err := ps.retry(ctx, func() error {
		return ps.post(ctx, "/api/plot", plot, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// BatchSendPlots posts several plots in one request
func (ps *PlottingService) BatchSendPlots(ctx context.Context, plots []PlotData) (*BatchPlottingResponse, error) {
	payload := map[string]interface{}{
		"plots": plots,
		"batch": true,
	}
	var resp BatchPlottingResponse
	err := ps.retry(ctx, func() error {
		return ps.post(ctx, "/api/batch-plot", payload, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckHealth checks if the plotting service is available
func (ps *PlottingService) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ps.baseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "failed to create health check request")
	}
	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "plotting service unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}
