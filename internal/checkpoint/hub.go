package checkpoint

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	hubFetchRetries    = 3
	hubFetchRetryDelay = 2 * time.Second
	hubCopyChunkSize   = 1 << 20
)

// HubFetcher fetches checkpoint files from an HTTP model hub into a local
// cache directory. It resumes partial downloads via Range requests and
// retries transient failures.
type HubFetcher struct {
	BaseURL  string
	CacheDir string
	Token    string
	Client   *http.Client
	Log      zerolog.Logger
}

// NewHubFetcher returns a HubFetcher with a default HTTP client.
func NewHubFetcher(baseURL, cacheDir string) *HubFetcher {
	return &HubFetcher{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		CacheDir: cacheDir,
		Client:   &http.Client{Timeout: 0},
	}
}

// Fetch downloads one file of the referenced checkpoint and returns its
// local cache path.
func (h *HubFetcher) Fetch(ctx context.Context, ref Ref, filename string) (string, error) {
	rev := ref.Revision
	if rev == "" {
		rev = "main"
	}
	dst := filepath.Join(h.CacheDir, "models--"+strings.ReplaceAll(ref.ID, "/", "--"), "snapshots", rev, filename)
	if st, err := os.Stat(dst); err == nil && st.Size() > 0 {
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	url := fmt.Sprintf("%s/%s/resolve/%s/%s", h.BaseURL, ref.ID, rev, filename)
	var lastErr error
	for attempt := 0; attempt < hubFetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(hubFetchRetryDelay):
			}
			h.Log.Debug().Str("url", url).Int("attempt", attempt+1).Msg("retrying fetch")
		}
		if err := h.download(ctx, url, dst); err != nil {
			lastErr = err
			continue
		}
		return dst, nil
	}
	return "", fmt.Errorf("fetch %s after %d attempts: %w", filename, hubFetchRetries, lastErr)
}

func (h *HubFetcher) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	tmp := dst + ".partial"
	var existing int64
	if st, err := os.Stat(tmp); err == nil {
		existing = st.Size()
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existing))
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the Range header; start over.
		existing = 0
	case http.StatusPartialContent:
	default:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if existing > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tmp, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, hubCopyChunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
