package training

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testPlottingService(url string) *PlottingService {
	config := DefaultPlottingServiceConfig()
	config.BaseURL = url
	config.RetryDelay = time.Millisecond
	return NewPlottingService(config)
}

func TestDefaultPlottingServiceConfig(t *testing.T) {
	config := DefaultPlottingServiceConfig()
	if config.BaseURL != "http://localhost:8080" {
		t.Errorf("Expected BaseURL http://localhost:8080, got %s", config.BaseURL)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", config.Timeout)
	}
	if config.RetryAttempts != 3 {
		t.Errorf("Expected 3 retry attempts, got %d", config.RetryAttempts)
	}
}

func TestSendPlotData(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/api/plot" {
				t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
			}
			if r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("Expected JSON content type, got %s", r.Header.Get("Content-Type"))
			}
			body, _ := io.ReadAll(r.Body)
			var plot PlotData
			if err := json.Unmarshal(body, &plot); err != nil {
				t.Errorf("Failed to decode plot: %v", err)
			}
			if plot.PlotType != TrainingCurves {
				t.Errorf("Expected plot type %s, got %s", TrainingCurves, plot.PlotType)
			}
			json.NewEncoder(w).Encode(PlottingResponse{Success: true, PlotID: "plot_123", PlotURL: "/plots/123"})
		}))
		defer server.Close()

		ps := testPlottingService(server.URL + "/")
		resp, err := ps.SendPlotData(context.Background(), recordedCollector().GenerateTrainingCurvesPlot())
		if err != nil {
			t.Fatalf("SendPlotData failed: %v", err)
		}
		if !resp.Success || resp.PlotID != "plot_123" || resp.PlotURL != "/plots/123" {
			t.Errorf("Unexpected response %+v", resp)
		}
	})

	t.Run("Retries then succeeds", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(PlottingResponse{Success: true})
		}))
		defer server.Close()

		resp, err := testPlottingService(server.URL).SendPlotData(context.Background(), PlotData{PlotType: TrainingCurves})
		if err != nil {
			t.Fatalf("Expected success on third attempt, got %v", err)
		}
		if !resp.Success || calls.Load() != 3 {
			t.Errorf("Expected 3 calls and success, got %d calls, %+v", calls.Load(), resp)
		}
	})

	t.Run("Gives up", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := testPlottingService(server.URL).SendPlotData(context.Background(), PlotData{})
		if err == nil {
			t.Fatal("Expected error")
		}
		if !strings.Contains(err.Error(), "status 500") || !strings.Contains(err.Error(), "3 attempts") {
			t.Errorf("Unexpected error %v", err)
		}
		if calls.Load() != 3 {
			t.Errorf("Expected 3 attempts, got %d", calls.Load())
		}
	})
}

func TestBatchSendPlots(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/batch-plot" {
			t.Errorf("Expected /api/batch-plot, got %s", r.URL.Path)
		}
		var payload struct {
			Plots []PlotData `json:"plots"`
			Batch bool       `json:"batch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("Failed to decode batch: %v", err)
		}
		results := make([]PlottingResponse, len(payload.Plots))
		for i := range results {
			results[i] = PlottingResponse{Success: true}
		}
		json.NewEncoder(w).Encode(BatchPlottingResponse{Success: payload.Batch, BatchID: "b1", Results: results})
	}))
	defer server.Close()

	resp, err := testPlottingService(server.URL).BatchSendPlots(context.Background(), recordedCollector().Plots())
	if err != nil {
		t.Fatalf("BatchSendPlots failed: %v", err)
	}
	if !resp.Success || resp.BatchID != "b1" || len(resp.Results) != 3 {
		t.Errorf("Unexpected batch response %+v", resp)
	}
}

func TestCheckHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("Expected /health, got %s", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	ps := testPlottingService(server.URL)
	if err := ps.CheckHealth(context.Background()); err != nil {
		t.Errorf("Expected healthy service, got %v", err)
	}
	healthy.Store(false)
	if err := ps.CheckHealth(context.Background()); err == nil {
		t.Error("Expected unhealthy service error")
	}
	server.Close()
	if err := ps.CheckHealth(context.Background()); err == nil || !strings.Contains(err.Error(), "unreachable") {
		t.Errorf("Expected unreachable error, got %v", err)
	}
}
