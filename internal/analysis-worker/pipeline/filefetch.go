package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"webhook-analysis-service/internal/db"
)

const fileFetchTimeout = 60 * time.Second

// previewLimit caps how much fetched file content is kept on the execution
// record.
const previewLimit = 500

// FileFetcher acquires a file referenced by a task's path template using a
// stored storage credential.
type FileFetcher interface {
	Fetch(ctx context.Context, cred *db.StorageCredential, path string) (data []byte, contentType string, err error)
}

// HTTPFileFetcher fetches over plain HTTP(S) with optional basic auth from
// the credential. Other protocols are rejected.
type HTTPFileFetcher struct {
	Client *http.Client
}

func NewHTTPFileFetcher() *HTTPFileFetcher {
	return &HTTPFileFetcher{Client: &http.Client{Timeout: fileFetchTimeout}}
}

func (f *HTTPFileFetcher) Fetch(ctx context.Context, cred *db.StorageCredential, path string) ([]byte, string, error) {
	if cred.Protocol != "http" && cred.Protocol != "https" {
		return nil, "", fmt.Errorf("unsupported storage protocol %q", cred.Protocol)
	}
	url := strings.TrimSuffix(cred.Endpoint, "/") + "/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	if cred.AccessKey != "" {
		req.SetBasicAuth(cred.AccessKey, cred.SecretKey)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", url, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// contentPreview returns a short printable excerpt of fetched data, or an
// empty string for binary content.
func contentPreview(data []byte) string {
	if !utf8.Valid(data) {
		return ""
	}
	s := string(data)
	if len(s) > previewLimit {
		s = s[:previewLimit]
	}
	return strings.ToValidUTF8(s, "")
}
