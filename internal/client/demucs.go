package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/soundforge/alchemy/internal/config"
)

// Separator runs local stem separation.
type Separator interface {
	Separate(ctx context.Context, audioPath, model, outputDir string, onProgress func(percent int)) (*SeparationOutput, error)
}

// DemucsClient wraps the demucs-runner tool, which streams JSON events on
// stdout: {"type":"progress","percent":N}, then {"type":"result",...}.
// Errors land on stderr as {"type":"error","message":...}.
type DemucsClient struct {
	bin     string
	timeout func(ctx context.Context) (context.Context, context.CancelFunc)
	log     *logrus.Entry
}

// SeparationOutput is the runner's terminal result event.
type SeparationOutput struct {
	Stems     map[string]string `json:"stems"` // kind -> file path
	Model     string            `json:"model"`
	OutputDir string            `json:"output_dir"`
}

type demucsEvent struct {
	Type    string `json:"type"`
	Percent int    `json:"percent"`
	Message string `json:"message"`

	Stems     map[string]string `json:"stems"`
	Model     string            `json:"model"`
	OutputDir string            `json:"output_dir"`
}

func NewDemucsClient(cfg *config.DemucsConfig) *DemucsClient {
	timeout := cfg.Timeout
	return &DemucsClient{
		bin: cfg.Bin,
		timeout: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithTimeout(ctx, timeout)
		},
		log: logrus.WithField("component", "demucs"),
	}
}

// Separate runs the model against audioPath, invoking onProgress for each
// progress event, and returns the stem map from the result event.
func (c *DemucsClient) Separate(ctx context.Context, audioPath, model, outputDir string, onProgress func(percent int)) (*SeparationOutput, error) {
	ctx, cancel := c.timeout(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, audioPath, "--model", model, "--output", outputDir)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("demucs: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("demucs: %w", err)
	}

	result, readErr := c.consume(stdout, onProgress)
	waitErr := cmd.Wait()

	if waitErr != nil {
		if reason := lastStderrMessage(stderr.Bytes()); reason != "" {
			return nil, fmt.Errorf("demucs: %s", reason)
		}
		return nil, fmt.Errorf("demucs: %w", waitErr)
	}
	if readErr != nil {
		return nil, readErr
	}
	if result == nil {
		return nil, fmt.Errorf("demucs: no result event")
	}
	return result, nil
}

func (c *DemucsClient) consume(r io.Reader, onProgress func(percent int)) (*SeparationOutput, error) {
	var result *SeparationOutput
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev demucsEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue // non-JSON noise from the underlying model
		}
		switch ev.Type {
		case "progress":
			if onProgress != nil {
				onProgress(ev.Percent)
			}
		case "result":
			result = &SeparationOutput{
				Stems:     ev.Stems,
				Model:     ev.Model,
				OutputDir: ev.OutputDir,
			}
		case "error":
			return nil, fmt.Errorf("demucs: %s", ev.Message)
		}
	}
	return result, scanner.Err()
}

func lastStderrMessage(out []byte) string {
	var reason string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		var ev demucsEvent
		if json.Unmarshal(scanner.Bytes(), &ev) == nil && ev.Type == "error" && ev.Message != "" {
			reason = ev.Message
		}
	}
	return reason
}
