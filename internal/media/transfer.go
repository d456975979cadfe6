package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	manifestBatchSize = 100
	defaultAttempts   = 3
	initialBackoff    = time.Second
	requestTimeout    = 30 * time.Second
)

var (
	// ErrNotFound marks a permanent, non-retryable miss on the remote side.
	ErrNotFound = errors.New("media: file not found on remote")
	// ErrHashMismatch marks a download whose content hash did not match the
	// manifest.
	ErrHashMismatch = errors.New("media: content hash mismatch")

	errMissingEndpoint = errors.New("media: endpoint is required")
	errMissingMediaDir = errors.New("media: media directory is required")

	noOpLogger = zap.NewNop()
)

// TransferConfig describes the dependencies of a TransferManager.
type TransferConfig struct {
	Endpoint          string
	MediaDir          string
	HTTPClient        *http.Client
	Logger            *zap.Logger
	Concurrency       int
	RequestsPerMinute int
	Attempts          int
}

// TransferManager moves missing media files from the remote collaborator
// into the local media directory. One instance lives for the host process;
// rate limiter state and the content-hash cache are explicit fields, not
// globals.
type TransferManager struct {
	endpoint string
	mediaDir string
	client   *http.Client
	logger   *zap.Logger
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	hashes   *hashCache
	attempts int
}

// NewTransferManager constructs a TransferManager.
func NewTransferManager(cfg TransferConfig) (*TransferManager, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errMissingEndpoint
	}
	if strings.TrimSpace(cfg.MediaDir) == "" {
		return nil, errMissingMediaDir
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 50
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	return &TransferManager{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		mediaDir: cfg.MediaDir,
		client:   client,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		hashes:   newHashCache(),
		attempts: attempts,
	}, nil
}

// ManifestEntry names one remote file with its download URL and expected
// content hash.
type ManifestEntry struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Hash     string `json:"hash,omitempty"`
}

type manifestRequest struct {
	Filenames []string `json:"filenames"`
}

type manifestResponse struct {
	Files []ManifestEntry `json:"files"`
}

// Manifest asks the remote collaborator for download URLs, batching the
// filename list to a bounded request size.
func (t *TransferManager) Manifest(ctx context.Context, filenames []string) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	for start := 0; start < len(filenames); start += manifestBatchSize {
		end := start + manifestBatchSize
		if end > len(filenames) {
			end = len(filenames)
		}
		batch, err := t.manifestBatch(ctx, filenames[start:end])
		if err != nil {
			return nil, err
		}
		entries = append(entries, batch...)
	}
	return entries, nil
}

func (t *TransferManager) manifestBatch(ctx context.Context, filenames []string) ([]ManifestEntry, error) {
	body, err := json.Marshal(manifestRequest{Filenames: filenames})
	if err != nil {
		return nil, fmt.Errorf("media: encode manifest request: %w", err)
	}

	var entries []ManifestEntry
	err = t.withRetry(ctx, "manifest", func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/manifest", bytes.NewReader(body))
		if err != nil {
			return err
		}
		request.Header.Set("Content-Type", "application/json")

		response, err := t.client.Do(request)
		if err != nil {
			return err
		}
		defer response.Body.Close()

		if err := classifyStatus(response); err != nil {
			return err
		}
		var decoded manifestResponse
		if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("media: decode manifest: %w", err)
		}
		entries = decoded.Files
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// FileError pairs one filename with its terminal transfer failure.
type FileError struct {
	Filename string
	Err      error
}

// TransferResult summarizes one download pass. Failures are itemized and
// non-blocking for the surrounding import.
type TransferResult struct {
	Requested  int
	Downloaded int
	Skipped    int
	Failures   []FileError
}

// Download fetches every manifest entry concurrently, bounded by the
// semaphore and the request rate limiter. Each file is written to a
// uniquely named temporary file and atomically renamed into place; if the
// destination appears meanwhile (a race with a parallel attempt) the
// result is discarded rather than overwritten.
func (t *TransferManager) Download(ctx context.Context, entries []ManifestEntry) *TransferResult {
	result := &TransferResult{Requested: len(entries)}
	type outcome struct {
		entry      ManifestEntry
		err        error
		downloaded bool
	}
	outcomes := make(chan outcome, len(entries))

	for _, entry := range entries {
		entry := entry
		if err := t.sem.Acquire(ctx, 1); err != nil {
			outcomes <- outcome{entry: entry, err: err}
			continue
		}
		go func() {
			defer t.sem.Release(1)
			downloaded, err := t.downloadOne(ctx, entry)
			outcomes <- outcome{entry: entry, err: err, downloaded: downloaded}
		}()
	}

	for range entries {
		o := <-outcomes
		switch {
		case o.err != nil:
			result.Failures = append(result.Failures, FileError{Filename: o.entry.Filename, Err: o.err})
			t.logger.Warn("media download failed",
				zap.String("operation", "media.download"),
				zap.String("filename", o.entry.Filename),
				zap.Error(o.err))
		case o.downloaded:
			result.Downloaded++
		default:
			result.Skipped++
		}
	}
	return result
}

// downloadOne reports whether a new file landed on disk.
func (t *TransferManager) downloadOne(ctx context.Context, entry ManifestEntry) (bool, error) {
	destination := filepath.Join(t.mediaDir, entry.Filename)

	// A matching local file needs no transfer.
	if entry.Hash != "" {
		if localHash, err := t.hashes.fileHash(destination); err == nil && localHash == entry.Hash {
			return false, nil
		}
	}

	var data []byte
	err := t.withRetry(ctx, entry.Filename, func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL, nil)
		if err != nil {
			return err
		}
		response, err := t.client.Do(request)
		if err != nil {
			return err
		}
		defer response.Body.Close()

		if err := classifyStatus(response); err != nil {
			return err
		}
		data, err = io.ReadAll(response.Body)
		return err
	})
	if err != nil {
		return false, err
	}

	if entry.Hash != "" && hashBytes(data) != entry.Hash {
		return false, fmt.Errorf("%w: %s", ErrHashMismatch, entry.Filename)
	}

	temp, err := os.CreateTemp(t.mediaDir, ".decksync-download-*")
	if err != nil {
		return false, err
	}
	tempName := temp.Name()
	if _, err := temp.Write(data); err != nil {
		temp.Close()
		os.Remove(tempName)
		return false, err
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempName)
		return false, err
	}

	// Racing attempt already produced the file: discard ours.
	if info, err := os.Stat(destination); err == nil && info.Size() > 0 {
		os.Remove(tempName)
		return false, nil
	}
	if err := os.Rename(tempName, destination); err != nil {
		os.Remove(tempName)
		return false, err
	}
	return true, nil
}

// retryableError marks a failure worth another attempt.
type retryableError struct {
	err        error
	retryAfter time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// classifyStatus turns an HTTP response status into the retry taxonomy:
// 404 is permanent, 429 retries after the server hint, 5xx retries with
// back-off, other non-2xx are permanent.
func classifyStatus(response *http.Response) error {
	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return nil
	case response.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case response.StatusCode == http.StatusTooManyRequests:
		wait := time.Duration(0)
		if header := response.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil {
				wait = time.Duration(seconds) * time.Second
			}
		}
		return &retryableError{
			err:        fmt.Errorf("media: rate limited (%d)", response.StatusCode),
			retryAfter: wait,
		}
	case response.StatusCode >= 500:
		return &retryableError{err: fmt.Errorf("media: server error (%d)", response.StatusCode)}
	default:
		return &permanentError{err: fmt.Errorf("media: unexpected status %d", response.StatusCode)}
	}
}

// permanentError marks a failure no retry can fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// withRetry runs fn up to the configured attempt count with exponential
// back-off, honoring the token-bucket rate limiter before every attempt.
// Network-level errors are retryable; permanent classifications are not.
func (t *TransferManager) withRetry(ctx context.Context, label string, fn func() error) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if isPermanent(err) {
			return err
		}
		if attempt == t.attempts {
			break
		}
		wait := backoff
		var retryable *retryableError
		if errors.As(err, &retryable) && retryable.retryAfter > wait {
			wait = retryable.retryAfter
		}
		t.logger.Debug("retrying media request",
			zap.String("operation", "media.retry"),
			zap.String("target", label),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return lastErr
}

// isPermanent reports whether another attempt cannot help: a 404-class
// miss, an explicit non-retryable status, or a canceled context.
// Transport-level failures stay retryable.
func isPermanent(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var permanent *permanentError
	return errors.As(err, &permanent)
}
