package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ReportError describes a failure in a run report.
type ReportError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NodeReport is the per-node section of a run report.
type NodeReport struct {
	Role       string       `json:"role"`
	Status     string       `json:"status"`
	ItemsIn    int          `json:"items_in"`
	ItemsOut   int          `json:"items_out"`
	Failed     int          `json:"failed"`
	Dropped    int          `json:"dropped"`
	Tasks      int          `json:"tasks"`
	DurationMs int64        `json:"duration_ms"`
	Error      *ReportError `json:"error,omitempty"`
}

// RunReport summarises a finished run.
type RunReport struct {
	GraphID    string                 `json:"graph_id"`
	RunID      string                 `json:"run_id"`
	Status     string                 `json:"status"`
	Mode       string                 `json:"mode,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Outputs    int                    `json:"outputs"`
	ItemErrors int                    `json:"item_errors"`
	Error      *ReportError           `json:"error,omitempty"`
	Nodes      map[string]*NodeReport `json:"nodes"`
}

// ReportPath returns the blob path for a run's report.
func ReportPath(graphID, runID string) string {
	return fmt.Sprintf("reports/%s/%s/report.json", graphID, runID)
}

// ReportWriter persists run reports as JSON blobs.
type ReportWriter struct {
	blobs  BlobClient
	logger *zap.Logger
}

// NewReportWriter creates a writer storing through blobs.
func NewReportWriter(blobs BlobClient, logger *zap.Logger) *ReportWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportWriter{blobs: blobs, logger: logger}
}

// Write stores r and returns its path.
func (w *ReportWriter) Write(ctx context.Context, r *RunReport) (string, error) {
	if w.blobs == nil {
		return "", fmt.Errorf("blob client not initialized")
	}
	if r == nil || r.GraphID == "" || r.RunID == "" {
		return "", fmt.Errorf("report needs a graph id and a run id")
	}

	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run report: %w", err)
	}

	path := ReportPath(r.GraphID, r.RunID)
	err = w.blobs.Put(ctx, path, data, map[string]string{
		"graph_id":   r.GraphID,
		"run_id":     r.RunID,
		"status":     r.Status,
		"node_count": strconv.Itoa(len(r.Nodes)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload run report: %w", err)
	}

	w.logger.Info("Run report written",
		zap.String("graph_id", r.GraphID),
		zap.String("run_id", r.RunID),
		zap.String("status", r.Status),
		zap.Int("report_size_bytes", len(data)))
	return path, nil
}

// Read loads the report of a run.
func (w *ReportWriter) Read(ctx context.Context, graphID, runID string) (*RunReport, error) {
	if w.blobs == nil {
		return nil, fmt.Errorf("blob client not initialized")
	}
	data, err := w.blobs.Get(ctx, ReportPath(graphID, runID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("report for run %s not found: %w", runID, err)
		}
		return nil, fmt.Errorf("failed to download run report: %w", err)
	}

	var r RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse run report: %w", err)
	}
	return &r, nil
}
