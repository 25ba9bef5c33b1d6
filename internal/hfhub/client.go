package hfhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"speechtune/internal/services"
)

const (
	defaultEndpoint          = "https://huggingface.co"
	defaultDatasetsServerURL = "https://datasets-server.huggingface.co"
	defaultRequestTimeout    = 30 * time.Second
	maxErrorBody             = 4 << 10
	userAgent                = "speechtune/1 (+https://huggingface.co/docs/dataset-viewer)"
)

// Config captures the settings required to talk to the hub and its
// datasets-server.
type Config struct {
	Token             string
	Endpoint          string
	DatasetsServerURL string
	TimeoutSeconds    int
}

// Client wraps the small part of the Hugging Face HTTP surface used by the
// fetcher: parquet export listing, split listing, file download, and the
// token identity check.
type Client struct {
	cfg            Config
	httpClient     *http.Client
	requestTimeout time.Duration
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a hub client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultRequestTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			Token:             strings.TrimSpace(cfg.Token),
			Endpoint:          strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
			DatasetsServerURL: strings.TrimRight(strings.TrimSpace(cfg.DatasetsServerURL), "/"),
			TimeoutSeconds:    cfg.TimeoutSeconds,
		},
		// No overall timeout: metadata requests are bounded by
		// requestTimeout and downloads only by ctx.
		httpClient:     &http.Client{},
		requestTimeout: timeout,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.Endpoint == "" {
		client.cfg.Endpoint = defaultEndpoint
	}
	if client.cfg.DatasetsServerURL == "" {
		client.cfg.DatasetsServerURL = defaultDatasetsServerURL
	}
	return client
}

// HasToken reports whether requests carry credentials.
func (c *Client) HasToken() bool {
	return c.cfg.Token != ""
}

// DatasetPageURL returns the hub page where a dataset's license is accepted.
func (c *Client) DatasetPageURL(repo string) string {
	return c.cfg.Endpoint + "/datasets/" + repo
}

// ParquetFile is one shard of a parquet export.
type ParquetFile struct {
	Dataset  string `json:"dataset"`
	Config   string `json:"config"`
	Split    string `json:"split"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// ParquetListing is the datasets-server answer for one (repo, config, split).
// Partial marks exports truncated by the server.
type ParquetListing struct {
	Files   []ParquetFile `json:"parquet_files"`
	Partial bool          `json:"partial"`
}

// TotalBytes sums the reported shard sizes.
func (l ParquetListing) TotalBytes() int64 {
	var total int64
	for _, f := range l.Files {
		total += f.Size
	}
	return total
}

// SplitInfo names one split of one configuration.
type SplitInfo struct {
	Dataset string `json:"dataset"`
	Config  string `json:"config"`
	Split   string `json:"split"`
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, body)
}

// ParquetFiles lists the parquet shards for repo/config/split. An empty
// config lists every configuration.
func (c *Client) ParquetFiles(ctx context.Context, repo, config, split string) (ParquetListing, error) {
	query := url.Values{}
	query.Set("dataset", repo)
	if config != "" {
		query.Set("config", config)
	}
	if split != "" {
		query.Set("split", split)
	}
	var listing ParquetListing
	if err := c.getJSON(ctx, "parquet", c.cfg.DatasetsServerURL+"/parquet?"+query.Encode(), &listing); err != nil {
		return ParquetListing{}, err
	}
	if split != "" {
		filtered := listing.Files[:0]
		for _, f := range listing.Files {
			if f.Split == split && (config == "" || f.Config == config) {
				filtered = append(filtered, f)
			}
		}
		listing.Files = filtered
	}
	if len(listing.Files) == 0 {
		return ParquetListing{}, services.Wrap(services.ErrNotFound, "hfhub", "parquet",
			fmt.Sprintf("no parquet export for %s (config %q, split %q)", repo, config, split), nil)
	}
	return listing, nil
}

// Splits lists every (config, split) pair the datasets-server knows for repo.
func (c *Client) Splits(ctx context.Context, repo string) ([]SplitInfo, error) {
	query := url.Values{}
	query.Set("dataset", repo)
	var payload struct {
		Splits []SplitInfo `json:"splits"`
	}
	if err := c.getJSON(ctx, "splits", c.cfg.DatasetsServerURL+"/splits?"+query.Encode(), &payload); err != nil {
		return nil, err
	}
	return payload.Splits, nil
}

// WhoAmI returns the account name the configured token belongs to.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	if !c.HasToken() {
		return "", services.Wrap(services.ErrAuth, "hfhub", "whoami", "no token configured", nil)
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, "whoami", c.cfg.Endpoint+"/api/whoami-v2", &payload); err != nil {
		return "", err
	}
	return payload.Name, nil
}

// Download streams rawURL into dst and returns the number of bytes copied.
// Only ctx bounds the transfer.
func (c *Client) Download(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, services.Wrap(services.ErrExternalTool, "hfhub", "download", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, c.classify("download", resp)
	}
	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, services.Wrap(services.ErrExternalTool, "hfhub", "download", "read body", err)
	}
	return n, nil
}

func (c *Client) getJSON(ctx context.Context, op, rawURL string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, rawURL)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "hfhub", op, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.classify(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return services.Wrap(services.ErrExternalTool, "hfhub", op, "decode response", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if c.cfg.Token != "" && c.trustedHost(req.URL) {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return req, nil
}

// trustedHost limits the bearer token to hub-operated hosts.
func (c *Client) trustedHost(target *url.URL) bool {
	host := target.Hostname()
	if host == "huggingface.co" || strings.HasSuffix(host, ".huggingface.co") {
		return true
	}
	for _, base := range []string{c.cfg.Endpoint, c.cfg.DatasetsServerURL} {
		if parsed, err := url.Parse(base); err == nil && parsed.Hostname() == host {
			return true
		}
	}
	return false
}

// classify maps a failed response to a service marker. The datasets-server
// answers gated or private datasets with 401/403, or with a 404 whose body
// mentions authentication when the request carried no token.
func (c *Client) classify(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: extractMessage(body)}
	lower := strings.ToLower(statusErr.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return services.Wrap(services.ErrAuth, "hfhub", op, "access denied", statusErr)
	case strings.Contains(lower, "gated") && (!c.HasToken() || resp.StatusCode != http.StatusNotFound):
		return services.Wrap(services.ErrAuth, "hfhub", op, "gated dataset", statusErr)
	case resp.StatusCode == http.StatusNotFound:
		return services.Wrap(services.ErrNotFound, "hfhub", op, "not found", statusErr)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return services.Wrap(services.ErrTransient, "hfhub", op, "server unavailable", statusErr)
	default:
		return services.Wrap(services.ErrExternalTool, "hfhub", op, "unexpected response", statusErr)
	}
}

func extractMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}

// IsAuth reports whether err was classified as an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, services.ErrAuth)
}
