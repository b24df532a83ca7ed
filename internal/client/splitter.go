package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soundforge/alchemy/internal/config"
	"github.com/soundforge/alchemy/internal/model"
)

// CloudSeparator is the async cloud separation API: submit a task, poll its
// status, download per-stem results.
type CloudSeparator interface {
	Submit(ctx context.Context, variant model.CloudVariant, req *SubmitRequest) (string, error)
	TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)
	Download(ctx context.Context, url, destPath string) (int64, error)
}

// SplitterClient talks to the cloud separation service.
type SplitterClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        *logrus.Entry
}

// SubmitRequest carries the audio location plus variant-specific options.
type SubmitRequest struct {
	AudioURL   string         `json:"audio_url"`
	TargetStem model.StemKind `json:"stem,omitempty"`  // single-stem
	Voice      string         `json:"voice,omitempty"` // voice-swap
}

// TaskStatus is the normalized remote task state.
type TaskStatus struct {
	// State is one of "queued", "progress", "success", "error"; any
	// unrecognized remote value is preserved verbatim for the caller to
	// treat as unknown.
	State    string
	Progress int // remote 0-100, meaningful for "progress"
	Reason   string
	Stems    []StemFile
	Raw      json.RawMessage
}

// StemFile is one downloadable result stem.
type StemFile struct {
	Kind string
	URL  string
}

var variantEndpoints = map[model.CloudVariant]string{
	model.VariantMultiStem:  "/v1/split/stems",
	model.VariantSingleStem: "/v1/split/single",
	model.VariantVocalSplit: "/v1/split/vocals",
	model.VariantVoiceSwap:  "/v1/voice/swap",
}

func NewSplitterClient(cfg *config.SplitterConfig) *SplitterClient {
	return &SplitterClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		log:        logrus.WithField("component", "splitter"),
	}
}

// IsConfigured returns true if the client has an API key.
func (c *SplitterClient) IsConfigured() bool {
	return c.apiKey != ""
}

// Submit creates a separation task and returns its remote task ID.
func (c *SplitterClient) Submit(ctx context.Context, variant model.CloudVariant, req *SubmitRequest) (string, error) {
	endpoint, ok := variantEndpoints[variant]
	if !ok {
		return "", fmt.Errorf("unknown separation variant %q", variant)
	}
	body, err := c.post(ctx, endpoint, req)
	if err != nil {
		return "", err
	}
	taskID, err := extractTaskID(body)
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// TaskStatus fetches and normalizes the remote state of a task.
func (c *SplitterClient) TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	body, err := c.get(ctx, "/v1/tasks/"+taskID)
	if err != nil {
		return nil, err
	}
	return decodeTaskStatus(body), nil
}

// Download streams a result file to destPath and returns its size.
func (c *SplitterClient) Download(ctx context.Context, url, destPath string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		os.Remove(destPath)
		return 0, fmt.Errorf("download %s: %w", url, err)
	}
	return n, nil
}

func (c *SplitterClient) post(ctx context.Context, endpoint string, body interface{}) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

func (c *SplitterClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

func (c *SplitterClient) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("splitter request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("splitter response: %w", err)
	}
	c.log.Debugf("%s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("splitter API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// extractTaskID tries the documented response shapes in order and fails
// explicitly, carrying the raw payload, when none match. The service has
// shipped the task identifier at three different depths over time.
func extractTaskID(body []byte) (string, error) {
	var flat struct {
		TaskID string `json:"task_id"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal(body, &flat); err == nil {
		if flat.TaskID != "" {
			return flat.TaskID, nil
		}
		if flat.ID != "" {
			return flat.ID, nil
		}
	}

	var nested struct {
		Data struct {
			TaskID string `json:"task_id"`
			ID     string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &nested); err == nil {
		if nested.Data.TaskID != "" {
			return nested.Data.TaskID, nil
		}
		if nested.Data.ID != "" {
			return nested.Data.ID, nil
		}
	}

	return "", fmt.Errorf("unrecognized submit response shape: %s", string(body))
}

// decodeTaskStatus normalizes the status payload. Remote state names and
// result shapes vary by variant; unknown states pass through so the poller
// can classify them as retryable.
func decodeTaskStatus(body []byte) *TaskStatus {
	var env struct {
		Status   string          `json:"status"`
		Progress int             `json:"progress"`
		Error    string          `json:"error"`
		Message  string          `json:"message"`
		Stems    []rawStem       `json:"stems"`
		Result   *rawResult      `json:"result"`
		Data     json.RawMessage `json:"data"`
	}
	_ = json.Unmarshal(body, &env)

	// Some deployments wrap everything one level down.
	if env.Status == "" && len(env.Data) > 0 {
		inner := decodeTaskStatus(env.Data)
		inner.Raw = append(json.RawMessage(nil), body...)
		return inner
	}

	ts := &TaskStatus{
		Progress: env.Progress,
		Raw:      append(json.RawMessage(nil), body...),
	}

	switch env.Status {
	case "queued", "pending", "waiting":
		ts.State = "queued"
	case "progress", "processing", "running", "started":
		ts.State = "progress"
	case "success", "completed", "succeeded":
		ts.State = "success"
	case "error", "failed":
		ts.State = "error"
	default:
		ts.State = env.Status
	}

	if ts.State == "error" {
		ts.Reason = env.Error
		if ts.Reason == "" {
			ts.Reason = env.Message
		}
		if ts.Reason == "" {
			ts.Reason = "remote task failed"
		}
	}

	if ts.State == "success" {
		ts.Stems = collectStems(env.Stems, env.Result)
	}
	return ts
}

type rawStem struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	DownloadURL string `json:"download_url"`
}

type rawResult struct {
	Stems           []rawStem `json:"stems"`
	VocalURL        string    `json:"vocal_url"`
	InstrumentalURL string    `json:"instrumental_url"`
	BackingURL      string    `json:"backing_url"`
	DownloadURL     string    `json:"download_url"`
}

func collectStems(top []rawStem, result *rawResult) []StemFile {
	var raw []rawStem
	raw = append(raw, top...)
	if result != nil {
		raw = append(raw, result.Stems...)
		if result.VocalURL != "" {
			raw = append(raw, rawStem{Kind: "vocals", URL: result.VocalURL})
		}
		if result.InstrumentalURL != "" {
			raw = append(raw, rawStem{Kind: "other", URL: result.InstrumentalURL})
		}
		if result.BackingURL != "" {
			raw = append(raw, rawStem{Kind: "other", URL: result.BackingURL})
		}
		if result.DownloadURL != "" {
			raw = append(raw, rawStem{Kind: "vocals", URL: result.DownloadURL})
		}
	}

	var out []StemFile
	seen := make(map[string]bool)
	for _, s := range raw {
		kind := s.Kind
		if kind == "" {
			kind = s.Name
		}
		url := s.URL
		if url == "" {
			url = s.DownloadURL
		}
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		out = append(out, StemFile{Kind: kind, URL: url})
	}
	return out
}
