package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/soundforge/alchemy/internal/config"
)

// Downloader fetches source audio for a streaming-service URL.
type Downloader interface {
	Download(ctx context.Context, sourceURL, outputDir, template string) (*DownloadResult, error)
	SearchDownload(ctx context.Context, title, artist, outputDir, template string) (*DownloadResult, error)
}

// SpotdlClient wraps the spotdl-helper tool, which resolves streaming URLs
// to audio via a search backend and emits a single JSON result on stdout.
// Status lines and errors arrive as JSON on stderr.
type SpotdlClient struct {
	bin     string
	format  string
	bitrate string
	timeout func(ctx context.Context) (context.Context, context.CancelFunc)
	log     *logrus.Entry
}

// DownloadResult is the tool's final stdout payload.
type DownloadResult struct {
	Path     string           `json:"path"`
	Size     int64            `json:"size"`
	Metadata DownloadMetadata `json:"metadata"`
}

type DownloadMetadata struct {
	Name     string   `json:"name"`
	Artists  []string `json:"artists"`
	Album    string   `json:"album_name"`
	Duration float64  `json:"duration"`
	SongID   string   `json:"song_id"`
	CoverURL string   `json:"cover_url"`
	URL      string   `json:"url"`
}

// Artist joins the artist list for display.
func (m DownloadMetadata) Artist() string {
	return strings.Join(m.Artists, ", ")
}

func NewSpotdlClient(cfg *config.DownloaderConfig) *SpotdlClient {
	timeout := cfg.Timeout
	return &SpotdlClient{
		bin:     cfg.Bin,
		format:  cfg.Format,
		bitrate: cfg.Bitrate,
		timeout: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithTimeout(ctx, timeout)
		},
		log: logrus.WithField("component", "spotdl"),
	}
}

// Download fetches the audio for sourceURL into outputDir, named by
// template (without extension).
func (c *SpotdlClient) Download(ctx context.Context, sourceURL, outputDir, template string) (*DownloadResult, error) {
	args := []string{
		"download", sourceURL,
		"--output-dir", outputDir,
		"--output-template", template,
		"--format", c.format,
		"--bitrate", c.bitrate,
	}
	return c.run(ctx, args)
}

// SearchDownload is the fallback path: a direct title/artist search when the
// primary source lookup failed.
func (c *SpotdlClient) SearchDownload(ctx context.Context, title, artist, outputDir, template string) (*DownloadResult, error) {
	args := []string{
		"search", fmt.Sprintf("%s %s", title, artist),
		"--output-dir", outputDir,
		"--output-template", template,
		"--format", c.format,
		"--bitrate", c.bitrate,
	}
	return c.run(ctx, args)
}

func (c *SpotdlClient) run(ctx context.Context, args []string) (*DownloadResult, error) {
	ctx, cancel := c.timeout(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	c.logStderr(stderr.Bytes())
	if err != nil {
		if reason := lastStderrError(stderr.Bytes()); reason != "" {
			return nil, fmt.Errorf("downloader: %s", reason)
		}
		return nil, fmt.Errorf("downloader: %w", err)
	}

	var result DownloadResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result); err != nil {
		return nil, fmt.Errorf("downloader: unexpected output %q: %w", stdout.String(), err)
	}
	if result.Path == "" {
		return nil, fmt.Errorf("downloader: result missing path")
	}
	return &result, nil
}

// logStderr surfaces the tool's JSON status lines ({"status": ...}).
func (c *SpotdlClient) logStderr(out []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		var line struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(scanner.Bytes(), &line) == nil && line.Status != "" {
			c.log.Debugf("downloader status: %s", line.Status)
		}
	}
}

// lastStderrError extracts the final {"error": ...} line, if any.
func lastStderrError(out []byte) string {
	var reason string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		var line struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(scanner.Bytes(), &line) == nil && line.Error != "" {
			reason = line.Error
		}
	}
	return reason
}

// IsNoResults reports whether the error indicates the source lookup found
// nothing, which makes the title/artist fallback worth attempting.
func IsNoResults(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no results") || strings.Contains(msg, "not found")
}
