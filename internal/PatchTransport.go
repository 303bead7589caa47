package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const defaultFetchBufferSize = 64 << 10

// Fetcher retrieves the bytes stored under a locator
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// TransportError is returned when a locator could not be fetched
type TransportError struct {
	Locator    string
	Url        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	target := e.Url
	if target == "" {
		target = e.Locator
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to fetch %s: HTTP %d", target, e.StatusCode)
	}
	return fmt.Sprintf("failed to fetch %s: %v", target, e.Err)
}

func (e *TransportError) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if isPermanentStatus(e.StatusCode) {
		errs = append(errs, ErrNotRetryable)
	}
	return errs
}

func isPermanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// HTTPFetcher downloads locators from a CDN. Relative locators are resolved
// against BaseUrl, then AltBaseUrl if the primary mirror fails. With a
// StagingDir, partial downloads survive a failed attempt and are resumed with
// a Range request on the next one.
type HTTPFetcher struct {
	Client     *http.Client
	BaseUrl    string
	AltBaseUrl string
	StagingDir string
	BufferSize int

	Retry        RetryOptions
	SpeedLimiter *DownloadSpeedLimiter
	Logger       *Logger
	OnDownload   DelegateWriteStreamInfo
}

// Fetch downloads locator, retrying transient failures
func (f *HTTPFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	f.SpeedLimiter.IncrementChunkProcessedCount()
	defer f.SpeedLimiter.DecrementChunkProcessedCount()

	retry := f.Retry
	if retry.Logger == nil {
		retry.Logger = f.Logger
	}

	return WaitForRetry(ctx, func(ctx context.Context) ([]byte, error) {
		if f.StagingDir == "" {
			return f.fetchToMemory(ctx, locator)
		}
		return f.fetchToStaging(ctx, locator)
	}, retry)
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client == nil {
		return http.DefaultClient
	}
	return f.Client
}

func (f *HTTPFetcher) fetchToMemory(ctx context.Context, locator string) ([]byte, error) {
	resp, err := GetChunkAndIfAltAsync(ctx, f.client(), locator, f.BaseUrl, f.AltBaseUrl, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	if err := f.copyBody(ctx, &buf, resp, locator); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *HTTPFetcher) fetchToStaging(ctx context.Context, locator string) ([]byte, error) {
	if err := EnsureDirectory(f.StagingDir); err != nil {
		return nil, fmt.Errorf("failed to prepare staging directory: %w", err)
	}
	stagingPath := filepath.Join(f.StagingDir, GetStagingFilenameHash(locator))

	file, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open staging file: %w", err)
	}
	defer file.Close()

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to seek staging file: %w", err)
	}

	header := http.Header{}
	if offset > 0 {
		header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		f.Logger.PushLogDebug(f, fmt.Sprintf("Resuming %s from byte %d", locator, offset))
	}

	resp, err := GetChunkAndIfAltAsync(ctx, f.client(), locator, f.BaseUrl, f.AltBaseUrl, header)
	if err != nil {
		var terr *TransportError
		if errors.As(err, &terr) && terr.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			// The staged bytes do not belong to what the server now holds
			f.Logger.PushLogWarning(f, fmt.Sprintf("Discarding staged data for %s", locator))
			if truncErr := file.Truncate(0); truncErr != nil {
				return nil, fmt.Errorf("failed to reset staging file: %w", truncErr)
			}
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		if !strings.HasPrefix(resp.Header.Get("Content-Range"), fmt.Sprintf("bytes %d-", offset)) {
			file.Truncate(0)
			return nil, &TransportError{
				Locator: locator,
				Err:     fmt.Errorf("unexpected Content-Range %q", resp.Header.Get("Content-Range")),
			}
		}
	default:
		// Full body, start over
		if err := file.Truncate(0); err != nil {
			return nil, fmt.Errorf("failed to reset staging file: %w", err)
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek staging file: %w", err)
		}
	}

	if err := f.copyBody(ctx, file, resp, locator); err != nil {
		return nil, err
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek staging file: %w", err)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging file: %w", err)
	}

	file.Close()
	if err := os.Remove(stagingPath); err != nil && !os.IsNotExist(err) {
		f.Logger.PushLogWarning(f, fmt.Sprintf("Failed to remove staging file %s: %v", stagingPath, err))
	}
	return data, nil
}

// copyBody streams the response body into dst through the speed limiter and
// fails if the body ends before its Content-Length
func (f *HTTPFetcher) copyBody(ctx context.Context, dst io.Writer, resp *http.Response, locator string) error {
	bufSize := f.BufferSize
	if bufSize <= 0 {
		bufSize = defaultFetchBufferSize
	}
	buf := make([]byte, bufSize)

	var written int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := f.SpeedLimiter.WaitN(ctx, n); err != nil {
				return err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write downloaded data: %w", err)
			}
			written += int64(n)
			if f.OnDownload != nil {
				f.OnDownload(int64(n))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return &TransportError{Locator: locator, Url: resp.Request.URL.String(), Err: readErr}
		}
	}

	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return &TransportError{
			Locator: locator,
			Url:     resp.Request.URL.String(),
			Err:     fmt.Errorf("%w: got %d of %d bytes", io.ErrUnexpectedEOF, written, resp.ContentLength),
		}
	}
	return nil
}
