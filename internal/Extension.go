package internal

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// BytesToHex converts a byte slice to a hexadecimal string
func BytesToHex(bytes []byte) string {
	return hex.EncodeToString(bytes)
}

// HexToBytes converts a hexadecimal string to a byte slice
func HexToBytes(hexStr string) ([]byte, error) {
	if len(hexStr) == 0 {
		return []byte{}, nil
	}
	if len(hexStr)%2 == 1 {
		return nil, fmt.Errorf("hex string must have even length")
	}
	return hex.DecodeString(hexStr)
}

// GetStagingFilenameHash generates the name under which a download is staged
// in the cache directory. Locators may contain path separators and query
// strings, so they are never used as file names directly.
func GetStagingFilenameHash(locator string) string {
	h := xxhash.New()
	h.WriteString(locator)
	return BytesToHex(h.Sum(nil)) + ".partial"
}

// EnsureDirectory creates a directory if it is missing and fails if the path
// exists but is not a directory
func EnsureDirectory(dirPath string) error {
	if dirPath == "" {
		return errors.New("directory path cannot be empty")
	}

	info, err := os.Stat(dirPath)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("path: %s exists and is not a directory", dirPath)
	case err == nil:
		return nil
	case os.IsNotExist(err):
		if err := os.MkdirAll(dirPath, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dirPath, err)
		}
		return nil
	default:
		return err
	}
}

// UnassignReadOnlyFromFileInfo removes the read-only flag from a file
func UnassignReadOnlyFromFileInfo(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return err
	}

	if info.Mode()&0200 == 0 { // Check if write permission is not set
		// Make the file writable
		return os.Chmod(filePath, info.Mode()|0200)
	}

	return nil
}

// ResolveLocatorUrl joins a relative locator onto a base URL. Absolute
// locators are returned unchanged.
func ResolveLocatorUrl(baseUrl string, locator string) (string, error) {
	parsed, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("invalid locator %q: %w", locator, err)
	}
	if parsed.IsAbs() {
		return locator, nil
	}
	if baseUrl == "" {
		return "", fmt.Errorf("relative locator %q without a base url", locator)
	}
	return strings.TrimRight(baseUrl, "/") + "/" + strings.TrimLeft(locator, "/"), nil
}

// GetChunkAndIfAltAsync requests locator from the primary base URL and falls
// back to the alternative one when the primary fails or answers non-2xx
func GetChunkAndIfAltAsync(ctx context.Context, httpClient *http.Client, locator string,
	baseUrl, altBaseUrl string, header http.Header) (*http.Response, error) {

	target, err := ResolveLocatorUrl(baseUrl, locator)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	// Try to get the response
	resp, err := httpClient.Do(req)
	if err != nil {
		if altBaseUrl == "" || ctx.Err() != nil {
			return nil, &TransportError{Locator: locator, Url: target, Err: err}
		}
		return GetChunkAndIfAltAsync(ctx, httpClient, locator, altBaseUrl, "", header)
	}

	// Check status code
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()

		if altBaseUrl == "" {
			return nil, &TransportError{Locator: locator, Url: target, StatusCode: resp.StatusCode}
		}
		return GetChunkAndIfAltAsync(ctx, httpClient, locator, altBaseUrl, "", header)
	}

	return resp, nil
}
