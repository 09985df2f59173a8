package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

const (
	// progressInterval throttles progress callbacks during a transfer.
	progressInterval = 100 * time.Millisecond

	// rangeRetrySleep separates follow-up range requests after an early
	// server close.
	rangeRetrySleep = 500 * time.Millisecond

	// maxRangeAttempts bounds follow-up range requests per transfer.
	maxRangeAttempts = 10

	// rangeRetryBudget bounds failed requests and interrupted bodies,
	// whether or not they delivered bytes.
	rangeRetryBudget = 5

	copyChunkSize = 64 * 1024
)

// Downloader moves one audio body from a stream URL to a local file,
// either as parallel byte ranges merged on completion or sequentially
// with range continuation after early closes.
type Downloader struct {
	httpClient  *http.Client
	userAgent   string
	parts       int
	parallelMin int64
	debug       bool
}

func NewDownloader(userAgent string, parts int, parallelMin int64, connectTimeout time.Duration, debug bool) *Downloader {
	return &Downloader{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   connectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          10,
				DisableCompression:    true,
			},
		},
		userAgent:   userAgent,
		parts:       parts,
		parallelMin: parallelMin,
		debug:       debug,
	}
}

func (d *Downloader) debugLog(format string, args ...interface{}) {
	if d.debug {
		log.Printf("[DOWNLOAD] "+format, args...)
	}
}

// Download fetches url into destPath and returns the bytes written.
// expectedBytes of zero means the length is unknown.
func (d *Downloader) Download(ctx context.Context, streamURL, destPath string, expectedBytes int64, progress ProgressFunc) (int64, error) {
	if expectedBytes >= d.parallelMin && expectedBytes >= 1<<20 && d.parts >= 2 {
		written, err := d.downloadParallel(ctx, streamURL, destPath, expectedBytes, progress)
		if err == nil {
			return written, nil
		}
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			return 0, ErrCancelled
		}
		d.debugLog("Parallel download failed, falling back to sequential: %v", err)
	}

	return d.downloadSequential(ctx, streamURL, destPath, expectedBytes, progress)
}

// downloadSequential performs a single GET and, when the server closes
// the connection early, continues with Range requests from the byte
// already written. An empty follow-up body is treated as EOF.
func (d *Downloader) downloadSequential(ctx context.Context, streamURL, destPath string, expectedBytes int64, progress ProgressFunc) (int64, error) {
	file, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			d.debugLog("Failed to close destination: %v", closeErr)
		}
	}()

	var written int64
	total := expectedBytes
	rangeAttempts := 0
	retryBudget := rangeRetryBudget
	lastProgress := time.Time{}

	report := func() {
		if progress == nil {
			return
		}
		now := time.Now()
		if now.Sub(lastProgress) >= progressInterval {
			progress(written, total)
			lastProgress = now
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return written, ErrCancelled
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
		if err != nil {
			return written, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", d.userAgent)
		req.Header.Set("Accept", "*/*")
		req.Header.Set("Accept-Encoding", "identity")
		if written > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", written))
		}

		resp, err := d.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return written, ErrCancelled
			}
			if retryBudget <= 0 || !isTransient(err) {
				return written, classify(err)
			}
			retryBudget--
			d.debugLog("Request failed (%v), %d retries left", err, retryBudget)
			if !sleepCtx(ctx, rangeRetrySleep) {
				return written, ErrCancelled
			}
			continue
		}

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			return written, &HTTPStatusError{Code: resp.StatusCode}
		}

		if total == 0 {
			if cl := resp.Header.Get("Content-Length"); cl != "" {
				if size, parseErr := strconv.ParseInt(cl, 10, 64); parseErr == nil && size > 0 {
					total = size + written
				}
			}
		}

		chunkWritten, copyErr := d.copyBody(ctx, file, resp.Body, &written, report)
		resp.Body.Close()

		if copyErr != nil {
			if errors.Is(copyErr, ErrCancelled) || ctx.Err() != nil {
				return written, ErrCancelled
			}
			if !isTransient(copyErr) {
				return written, classify(copyErr)
			}
		}

		if total > 0 && written >= total {
			break
		}
		if copyErr == nil && chunkWritten == 0 && written > 0 {
			// Empty follow-up response: server has nothing more.
			break
		}
		if copyErr == nil && total == 0 {
			// Clean EOF with unknown length.
			break
		}

		rangeAttempts++
		if rangeAttempts > maxRangeAttempts {
			return written, d.incomplete(written, total)
		}
		if copyErr != nil {
			if retryBudget <= 0 {
				return written, d.incomplete(written, total)
			}
			retryBudget--
		}

		d.debugLog("Continuing from byte %d (attempt %d/%d)", written, rangeAttempts, maxRangeAttempts)
		if !sleepCtx(ctx, rangeRetrySleep) {
			return written, ErrCancelled
		}
	}

	if progress != nil {
		progress(written, total)
	}

	if total > 0 && written < total {
		return written, d.incomplete(written, total)
	}

	d.debugLog("Sequential download complete: %d bytes -> %s", written, destPath)
	return written, nil
}

func (d *Downloader) copyBody(ctx context.Context, dst io.Writer, src io.Reader, written *int64, report func()) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var chunkTotal int64

	for {
		select {
		case <-ctx.Done():
			return chunkTotal, ErrCancelled
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return chunkTotal, fmt.Errorf("write chunk: %w", writeErr)
			}
			*written += int64(n)
			chunkTotal += int64(n)
			report()
		}

		if err != nil {
			if err == io.EOF {
				return chunkTotal, nil
			}
			return chunkTotal, err
		}
	}
}

func (d *Downloader) incomplete(written, total int64) error {
	missing := 100.0
	if total > 0 {
		missing = float64(total-written) / float64(total) * 100
	}
	return &IncompleteError{MissingPercent: missing}
}

func sleepCtx(ctx context.Context, dur time.Duration) bool {
	select {
	case <-time.After(dur):
		return true
	case <-ctx.Done():
		return false
	}
}

// classify wraps transport failures as TransientError and passes
// everything else through.
func classify(err error) error {
	if isTransient(err) {
		return &TransientError{Err: err}
	}
	return err
}

// isTransient matches failures by kind, never by message text: timeouts,
// resets, DNS errors, handshake drops, and early connection closes.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// url.Error wraps the transport failure; recurse on the cause.
		return isTransient(urlErr.Err) || urlErr.Timeout() || urlErr.Temporary()
	}

	return false
}

// IsDNSFailure reports whether the failure was a name-resolution error.
// The precache scheduler uses this to invalidate a stale stream URL.
func IsDNSFailure(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
