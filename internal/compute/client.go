// Package compute implements the REST client for the remote compute service
// that executes inference runs. The remote service is the authoritative
// record of run state; this client never caches.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radshift/inference-api/internal/inference"
)

// resultArtifactName is the artifact holding a completed run's output bundle.
const resultArtifactName = "segmentation.dcm.zip"

// Config captures the connection parameters for the remote compute service.
type Config struct {
	Endpoint               string
	Workspace              string
	ResourceGroup          string
	SubscriptionID         string
	TenantID               string
	ApplicationID          string
	ServicePrincipalSecret string
	Experiment             string
	Timeout                time.Duration
}

// Client talks to the remote compute service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger
}

// NewClient constructs a Client with a bounded request timeout.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("compute endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.Endpoint, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger,
	}, nil
}

type submitRunPayload struct {
	RunID          string `json:"run_id"`
	Experiment     string `json:"experiment"`
	ModelName      string `json:"model_name"`
	ModelVersion   int    `json:"model_version"`
	InputURI       string `json:"input_uri"`
	Cluster        string `json:"cluster"`
	Workspace      string `json:"workspace"`
	ResourceGroup  string `json:"resource_group"`
	SubscriptionID string `json:"subscription_id"`
}

type runInfoPayload struct {
	RunID       string    `json:"run_id"`
	Model       string    `json:"model"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SubmitRun dispatches a run. Not retried here or anywhere above: a repeated
// dispatch could create a duplicate remote run for the same client request.
func (c *Client) SubmitRun(ctx context.Context, req inference.RunRequest) error {
	payload := submitRunPayload{
		RunID:          req.RunID,
		Experiment:     c.cfg.Experiment,
		ModelName:      req.Model.Name,
		ModelVersion:   req.Model.Version,
		InputURI:       req.InputURI,
		Cluster:        req.Cluster,
		Workspace:      c.cfg.Workspace,
		ResourceGroup:  c.cfg.ResourceGroup,
		SubscriptionID: c.cfg.SubscriptionID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/runs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch run: %w", err)
	}
	defer c.drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dispatch run: remote returned %s", resp.Status)
	}
	c.logger.Info("run dispatched to compute service",
		zap.String("run_id", req.RunID),
		zap.String("cluster", req.Cluster),
	)
	return nil
}

// RunInfo queries the live state of a run. Unknown ids map to
// inference.ErrRunNotFound.
func (c *Client) RunInfo(ctx context.Context, runID string) (inference.RunInfo, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), nil)
	if err != nil {
		return inference.RunInfo{}, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return inference.RunInfo{}, fmt.Errorf("query run: %w", err)
	}
	defer c.drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return inference.RunInfo{}, fmt.Errorf("run %s: %w", runID, inference.ErrRunNotFound)
	case resp.StatusCode != http.StatusOK:
		return inference.RunInfo{}, fmt.Errorf("query run: remote returned %s", resp.Status)
	}

	var payload runInfoPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return inference.RunInfo{}, fmt.Errorf("decode run info: %w", err)
	}
	return inference.RunInfo{
		RunID:       payload.RunID,
		Model:       payload.Model,
		State:       mapRemoteState(payload.State),
		SubmittedAt: payload.SubmittedAt,
	}, nil
}

// OpenResult streams the result artifact of a completed run. The body is
// returned unread so large archives are never materialized in this process.
func (c *Client) OpenResult(ctx context.Context, runID string) (io.ReadCloser, error) {
	path := fmt.Sprintf("/api/runs/%s/artifacts/%s", url.PathEscape(runID), resultArtifactName)
	httpReq, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch result: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.drainAndClose(resp.Body)
		return nil, fmt.Errorf("run %s: %w", runID, inference.ErrRunNotFound)
	case resp.StatusCode != http.StatusOK:
		c.drainAndClose(resp.Body)
		return nil, fmt.Errorf("fetch result: remote returned %s", resp.Status)
	}
	return resp.Body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.ServicePrincipalSecret)
	if c.cfg.TenantID != "" {
		req.Header.Set("X-Tenant-Id", c.cfg.TenantID)
	}
	if c.cfg.ApplicationID != "" {
		req.Header.Set("X-Application-Id", c.cfg.ApplicationID)
	}
	return req, nil
}

func (c *Client) drainAndClose(body io.ReadCloser) {
	if _, err := io.Copy(io.Discard, io.LimitReader(body, 4096)); err != nil {
		c.logger.Debug("drain response body failed", zap.Error(err))
	}
	if err := body.Close(); err != nil {
		c.logger.Debug("close response body failed", zap.Error(err))
	}
}

// mapRemoteState folds the remote service's lifecycle vocabulary into the
// four states this layer distinguishes. States we do not recognize are
// treated as still queued rather than failed.
func mapRemoteState(state string) inference.RunState {
	switch strings.ToLower(state) {
	case "completed":
		return inference.RunStateCompleted
	case "failed", "canceled", "cancelled", "errored":
		return inference.RunStateFailed
	case "running", "finalizing", "post-processing":
		return inference.RunStateRunning
	default:
		// notstarted, queued, preparing, provisioning, starting
		return inference.RunStateQueued
	}
}
