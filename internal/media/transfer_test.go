package media

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func newTestManager(t *testing.T, endpoint, dir string) *TransferManager {
	t.Helper()
	manager, err := NewTransferManager(TransferConfig{
		Endpoint:          endpoint,
		MediaDir:          dir,
		Attempts:          3,
		RequestsPerMinute: 6000,
	})
	if err != nil {
		t.Fatalf("failed to construct transfer manager: %v", err)
	}
	return manager
}

func TestManifestBatchesRequest(t *testing.T) {
	var requested []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/manifest" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req struct {
			Filenames []string `json:"filenames"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("unexpected decode error: %v", err)
		}
		requested = append(requested, req.Filenames...)
		entries := make([]ManifestEntry, len(req.Filenames))
		for i, name := range req.Filenames {
			entries[i] = ManifestEntry{Filename: name, URL: "http://example.com/" + name}
		}
		json.NewEncoder(w).Encode(map[string][]ManifestEntry{"files": entries})
	}))
	defer server.Close()

	manager := newTestManager(t, server.URL, t.TempDir())
	entries, err := manager.Manifest(context.Background(), []string{"a.png", "b.png"})
	if err != nil {
		t.Fatalf("unexpected manifest error: %v", err)
	}
	if len(entries) != 2 || len(requested) != 2 {
		t.Fatalf("expected both filenames requested and returned, got %v / %v", requested, entries)
	}
}

func TestDownloadWritesVerifiedFile(t *testing.T) {
	content := []byte("image-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer server.Close()

	dir := t.TempDir()
	manager := newTestManager(t, server.URL, dir)
	entries := []ManifestEntry{{Filename: "map.png", URL: server.URL + "/map.png", Hash: hashBytes(content)}}

	result := manager.Download(context.Background(), entries)
	if len(result.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", result.Failures)
	}
	if result.Downloaded != 1 {
		t.Fatalf("expected one download, got %+v", result)
	}
	data, err := os.ReadFile(filepath.Join(dir, "map.png"))
	if err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
	if string(data) != string(content) {
		t.Fatalf("downloaded content mismatch")
	}
}

func TestDownloadSkipsMatchingLocalFile(t *testing.T) {
	content := []byte("already-here")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "map.png"), content, 0o644); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(content)
	}))
	defer server.Close()

	manager := newTestManager(t, server.URL, dir)
	entries := []ManifestEntry{{Filename: "map.png", URL: server.URL + "/map.png", Hash: hashBytes(content)}}

	result := manager.Download(context.Background(), entries)
	if result.Skipped != 1 || result.Downloaded != 0 {
		t.Fatalf("matching file must be skipped, got %+v", result)
	}
	if hits.Load() != 0 {
		t.Fatalf("no request should be made for a matching file")
	}
}

func TestDownloadReportsHashMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered"))
	}))
	defer server.Close()

	dir := t.TempDir()
	manager := newTestManager(t, server.URL, dir)
	entries := []ManifestEntry{{Filename: "map.png", URL: server.URL + "/map.png", Hash: hashBytes([]byte("expected"))}}

	result := manager.Download(context.Background(), entries)
	if len(result.Failures) != 1 || !errors.Is(result.Failures[0].Err, ErrHashMismatch) {
		t.Fatalf("expected a hash mismatch failure, got %+v", result)
	}
	if _, err := os.Stat(filepath.Join(dir, "map.png")); !os.IsNotExist(err) {
		t.Fatalf("mismatched file must not be written")
	}
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	content := []byte("eventually")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(content)
	}))
	defer server.Close()

	dir := t.TempDir()
	manager := newTestManager(t, server.URL, dir)
	entries := []ManifestEntry{{Filename: "map.png", URL: server.URL + "/map.png", Hash: hashBytes(content)}}

	result := manager.Download(context.Background(), entries)
	if result.Downloaded != 1 {
		t.Fatalf("expected a successful retry, got %+v", result)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected exactly two attempts, got %d", hits.Load())
	}
}

func TestDownloadDoesNotRetryNotFound(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	manager := newTestManager(t, server.URL, t.TempDir())
	entries := []ManifestEntry{{Filename: "map.png", URL: server.URL + "/map.png"}}

	result := manager.Download(context.Background(), entries)
	if len(result.Failures) != 1 || !errors.Is(result.Failures[0].Err, ErrNotFound) {
		t.Fatalf("expected a not-found failure, got %+v", result)
	}
	if hits.Load() != 1 {
		t.Fatalf("404 must not be retried, got %d attempts", hits.Load())
	}
}
