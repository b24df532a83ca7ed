package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/soundforge/alchemy/internal/config"
)

// Analyzer extracts audio features from a file.
type Analyzer interface {
	Analyze(ctx context.Context, audioPath string, features []string) (map[string]interface{}, error)
}

// AnalyzerClient wraps the librosa-based analyzer tool. A successful run
// prints one flat JSON feature map on stdout; failures print a JSON error
// object on stderr.
type AnalyzerClient struct {
	bin     string
	timeout func(ctx context.Context) (context.Context, context.CancelFunc)
}

func NewAnalyzerClient(cfg *config.AnalyzerConfig) *AnalyzerClient {
	timeout := cfg.Timeout
	return &AnalyzerClient{
		bin: cfg.Bin,
		timeout: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithTimeout(ctx, timeout)
		},
	}
}

func (c *AnalyzerClient) Analyze(ctx context.Context, audioPath string, features []string) (map[string]interface{}, error) {
	ctx, cancel := c.timeout(ctx)
	defer cancel()

	if len(features) == 0 {
		features = []string{"tempo", "key", "energy"}
	}

	cmd := exec.CommandContext(ctx, c.bin, audioPath, "--features", strings.Join(features, ","))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var failure struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(bytes.TrimSpace(stderr.Bytes()), &failure) == nil && failure.Error != "" {
			if failure.Message != "" {
				return nil, fmt.Errorf("analyzer: %s: %s", failure.Error, failure.Message)
			}
			return nil, fmt.Errorf("analyzer: %s", failure.Error)
		}
		return nil, fmt.Errorf("analyzer: %w", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result); err != nil {
		return nil, fmt.Errorf("analyzer: unexpected output: %w", err)
	}
	return result, nil
}
