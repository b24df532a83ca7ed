package client

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/soundforge/alchemy/internal/config"
)

// writeStub creates an executable standing in for the downloader tool.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spotdl-stub")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func spotdlForStub(t *testing.T, script string) *SpotdlClient {
	return NewSpotdlClient(&config.DownloaderConfig{
		Bin:     writeStub(t, script),
		Format:  "mp3",
		Bitrate: "320k",
		Timeout: 10 * time.Second,
	})
}

func TestDownload_ParsesResultJSON(t *testing.T) {
	c := spotdlForStub(t, `
echo '{"status": "downloading"}' >&2
echo '{"path": "/media/tracks/artist - song.mp3", "size": 4096, "metadata": {"name": "Song", "artists": ["Artist"], "album_name": "Album", "duration": 187.2, "cover_url": "https://img/c.jpg"}}'
`)

	result, err := c.Download(context.Background(), "https://open.spotify.com/track/1", "/media/tracks", "{artist} - {title}")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if result.Path != "/media/tracks/artist - song.mp3" || result.Size != 4096 {
		t.Errorf("result: %+v", result)
	}
	if result.Metadata.Name != "Song" || result.Metadata.Duration != 187.2 {
		t.Errorf("metadata: %+v", result.Metadata)
	}
}

func TestDownload_StderrErrorSurfaced(t *testing.T) {
	c := spotdlForStub(t, `
echo '{"status": "searching"}' >&2
echo '{"error": "no results for query"}' >&2
exit 1
`)

	_, err := c.Download(context.Background(), "https://open.spotify.com/track/2", "/media/tracks", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "no results for query") {
		t.Errorf("stderr reason not surfaced: %v", err)
	}
	if !IsNoResults(err) {
		t.Error("expected IsNoResults to classify this error")
	}
}

func TestDownload_MissingPathRejected(t *testing.T) {
	c := spotdlForStub(t, `echo '{"size": 100, "metadata": {}}'`)

	if _, err := c.Download(context.Background(), "https://open.spotify.com/track/3", "/media/tracks", ""); err == nil {
		t.Fatal("expected error for result without path")
	}
}

func TestDownload_GarbageOutputRejected(t *testing.T) {
	c := spotdlForStub(t, `echo 'Segmentation fault'`)

	if _, err := c.Download(context.Background(), "https://open.spotify.com/track/4", "/media/tracks", ""); err == nil {
		t.Fatal("expected error for non-JSON output")
	}
}

func TestIsNoResults(t *testing.T) {
	if IsNoResults(nil) {
		t.Error("nil error classified as no-results")
	}
}
