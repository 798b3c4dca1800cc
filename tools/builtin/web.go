package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"goa.design/orbit/kvcache"
	"goa.design/orbit/telemetry"
	"goa.design/orbit/tools"
)

const (
	// DefaultSearchTTL caches search results briefly; rankings move.
	DefaultSearchTTL = 15 * time.Minute
	// DefaultScrapeTTL caches page content longer; pages move less.
	DefaultScrapeTTL = time.Hour
	// DefaultScrapeMaxBytes bounds the page size the HTTP scraper returns.
	DefaultScrapeMaxBytes = 512 * 1024
)

type (
	// SearchResult is one web search hit.
	SearchResult struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet,omitempty"`
	}

	// Searcher performs web searches. Implementations wrap an external
	// search API.
	Searcher interface {
		Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	}

	// Scraper fetches a page and returns its readable text content.
	Scraper interface {
		Scrape(ctx context.Context, url string) (string, error)
	}

	// WebOptions configures the web tools.
	WebOptions struct {
		// Searcher serves web_search. Optional.
		Searcher Searcher
		// Scraper serves web_scrape. Optional.
		Scraper Scraper
		// Cache memoises results. Optional; without it every call goes out.
		Cache kvcache.Cache
		// SearchTTL overrides the search cache TTL.
		SearchTTL time.Duration
		// ScrapeTTL overrides the scrape cache TTL.
		ScrapeTTL time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
	}
)

type webTools struct {
	searcher  Searcher
	scraper   Scraper
	cache     kvcache.Cache
	searchTTL time.Duration
	scrapeTTL time.Duration
	logger    telemetry.Logger
}

// RegisterWeb registers web_search and web_scrape for whichever backends are
// configured.
func RegisterWeb(registry *tools.Registry, opts WebOptions) error {
	if opts.Searcher == nil && opts.Scraper == nil {
		return errors.New("a searcher or scraper is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	searchTTL := opts.SearchTTL
	if searchTTL <= 0 {
		searchTTL = DefaultSearchTTL
	}
	scrapeTTL := opts.ScrapeTTL
	if scrapeTTL <= 0 {
		scrapeTTL = DefaultScrapeTTL
	}
	w := &webTools{
		searcher:  opts.Searcher,
		scraper:   opts.Scraper,
		cache:     opts.Cache,
		searchTTL: searchTTL,
		scrapeTTL: scrapeTTL,
		logger:    logger,
	}

	if w.searcher != nil {
		if err := registry.Register(tools.Spec{
			Name:        "web_search",
			Description: "Search the web and return titles, URLs and snippets.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string"},
					"limit": {"type": "integer", "minimum": 1, "maximum": 20}
				},
				"required": ["query"]
			}`),
		}, w.search); err != nil {
			return err
		}
	}

	if w.scraper != nil {
		return registry.Register(tools.Spec{
			Name:        "web_scrape",
			Description: "Fetch a web page and return its readable text content.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"url": {"type": "string", "description": "The page URL to fetch"}
				},
				"required": ["url"]
			}`),
		}, w.scrape)
	}
	return nil
}

func (w *webTools) search(ctx context.Context, call tools.Call) (tools.Result, error) {
	query, err := requireString(call.Args, "query")
	if err != nil {
		return tools.Result{}, &tools.ToolError{Tool: call.Name, Code: "invalid_arguments", Message: err.Error()}
	}
	limit := intArg(call.Args, "limit", defaultSearchLimit)
	if limit <= 0 || limit > maxSearchLimit {
		limit = defaultSearchLimit
	}

	key := cacheKey("web_search", fmt.Sprintf("%s|%d", query, limit))
	if cached, ok := w.fromCache(ctx, key); ok {
		return tools.Result{Content: cached}, nil
	}

	results, err := w.searcher.Search(ctx, query, limit)
	if err != nil {
		return tools.Result{Content: fmt.Sprintf("web search failed: %s", err), IsError: true}, nil
	}
	if len(results) == 0 {
		return tools.Result{Content: "No results found."}, nil
	}
	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, res.Title, res.URL)
		if res.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", res.Snippet)
		}
	}
	content := strings.TrimRight(b.String(), "\n")
	w.toCache(ctx, key, content, w.searchTTL)
	return tools.Result{Content: content, Structured: results}, nil
}

func (w *webTools) scrape(ctx context.Context, call tools.Call) (tools.Result, error) {
	url, err := requireString(call.Args, "url")
	if err != nil {
		return tools.Result{}, &tools.ToolError{Tool: call.Name, Code: "invalid_arguments", Message: err.Error()}
	}

	key := cacheKey("web_scrape", url)
	if cached, ok := w.fromCache(ctx, key); ok {
		return tools.Result{Content: cached}, nil
	}

	content, err := w.scraper.Scrape(ctx, url)
	if err != nil {
		return tools.Result{Content: fmt.Sprintf("scrape failed: %s", err), IsError: true}, nil
	}
	w.toCache(ctx, key, content, w.scrapeTTL)
	return tools.Result{Content: content}, nil
}

func (w *webTools) fromCache(ctx context.Context, key string) (string, bool) {
	if w.cache == nil {
		return "", false
	}
	value, err := w.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kvcache.ErrMiss) {
			w.logger.Warn(ctx, "web cache read failed", "key", key, "error", err)
		}
		return "", false
	}
	return string(value), true
}

func (w *webTools) toCache(ctx context.Context, key, content string, ttl time.Duration) {
	if w.cache == nil {
		return
	}
	if err := w.cache.Set(ctx, key, []byte(content), ttl); err != nil {
		w.logger.Warn(ctx, "web cache write failed", "key", key, "error", err)
	}
}

type httpScraper struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPScraper returns a Scraper that fetches pages with a plain GET and
// returns the raw body, truncated to maxBytes. A nil client uses
// http.DefaultClient; maxBytes of zero or less applies
// DefaultScrapeMaxBytes.
func NewHTTPScraper(client *http.Client, maxBytes int64) Scraper {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = DefaultScrapeMaxBytes
	}
	return &httpScraper{client: client, maxBytes: maxBytes}
}

// Scrape implements Scraper.
func (s *httpScraper) Scrape(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	return string(body), nil
}

func cacheKey(tool, input string) string {
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf("tool:%s:%s", tool, hex.EncodeToString(sum[:]))
}
