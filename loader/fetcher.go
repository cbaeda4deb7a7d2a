package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gogpu/tilemap/store"
	"github.com/gogpu/tilemap/tile"
)

// Fetcher retrieves raw tile bytes. Implementations report missing tiles by
// wrapping ErrNotFound; any other error is treated as transient.
type Fetcher interface {
	Fetch(ctx context.Context, key tile.Key) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, key tile.Key) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	return f(ctx, key)
}

// HTTPFetcher downloads tiles from a URL template such as
// "https://{s}.tile.example.org/{z}/{x}/{y}.mvt".
type HTTPFetcher struct {
	Template   string
	Subdomains []string
	UserAgent  string
	Client     *http.Client
}

// NewHTTPFetcher returns a fetcher with a 30s client timeout.
func NewHTTPFetcher(template, userAgent string, subdomains ...string) *HTTPFetcher {
	return &HTTPFetcher{
		Template:   template,
		Subdomains: subdomains,
		UserAgent:  userAgent,
		Client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// URL expands the template for key.
func (h *HTTPFetcher) URL(key tile.Key) string {
	idx := key.Index
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(int(idx.Z)),
		"{x}", strconv.FormatInt(idx.X, 10),
		"{y}", strconv.FormatInt(idx.Y, 10),
		"{s}", h.subdomain(idx),
	)
	return r.Replace(h.Template)
}

func (h *HTTPFetcher) subdomain(idx tile.Index) string {
	if len(h.Subdomains) == 0 {
		return ""
	}
	n := (idx.X + idx.Y) % int64(len(h.Subdomains))
	return h.Subdomains[n]
}

// Fetch performs one GET. Status codes map to the load taxonomy:
// 204 is an empty tile, 404 and other client errors are NotFound,
// 408, 429 and server errors are transient.
func (h *HTTPFetcher) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	url := h.URL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad request for %s: %v", ErrNotFound, url, err)
	}
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code == http.StatusNoContent:
		return []byte{}, nil
	case code >= 200 && code < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", url, err)
		}
		return data, nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return nil, fmt.Errorf("fetch %s: status %d", url, code)
	default:
		return nil, fmt.Errorf("%w: %s: status %d", ErrNotFound, url, code)
	}
}

// FileFetcher reads tiles from a directory tree laid out by Path.
type FileFetcher struct {
	Root string
	Path store.PathFunc
}

func (f *FileFetcher) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := filepath.Join(f.Root, filepath.FromSlash(f.Path(key)))
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return data, err
}
