package floor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"floor-oracle/internal/ethutil"
	"floor-oracle/internal/retry"
)

const DefaultURL = "https://api-monad-testnet.reservoir.tools"

// DefaultUserAgent mimics a browser UA to avoid Cloudflare 403s.
const DefaultUserAgent = "Mozilla/5.0"

var ErrFloorNotFound = errors.New("floor not found")

type Client struct {
	host       string
	collection string
	httpClient *http.Client
	userAgent  string
	policy     retry.Policy
	pacer      *retry.Pacer
}

type Option func(*Client)

func WithRetry(p retry.Policy) Option { return func(c *Client) { c.policy = p } }

func WithPacer(p *retry.Pacer) Option { return func(c *Client) { c.pacer = p } }

func NewClient(host string, collection common.Address, opts ...Option) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultURL
	}
	host = strings.TrimRight(host, "/")

	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("floor url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("floor url must be http(s), got %q", host)
	}
	if ethutil.IsZero(collection) {
		return nil, errors.New("collection address required")
	}

	c := &Client{
		host:       host,
		collection: ethutil.Lower(collection),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		userAgent:  DefaultUserAgent,
		policy:     retry.ReadPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchFloor returns the collection floor in native units. The statistics
// endpoint is tried first; the listings endpoint is the fallback, whose
// minimum listed floor is returned.
func (c *Client) FetchFloor(ctx context.Context) (decimal.Decimal, error) {
	if c == nil {
		return decimal.Zero, fmt.Errorf("floor client nil")
	}

	q := url.Values{}
	q.Set("collection", c.collection)
	var stats statsResponse
	err := c.getJSON(ctx, "/stats/v2?"+q.Encode(), &stats)
	if err == nil {
		if v, ok := stats.floor(); ok {
			return v, nil
		}
		log.Printf("[floor] stats response has no floor, trying listings")
	} else {
		if ctx.Err() != nil {
			return decimal.Zero, ctx.Err()
		}
		log.Printf("[warn] floor stats: %v", err)
	}

	q = url.Values{}
	q.Set("contract", c.collection)
	q.Set("limit", "100")
	var resp listingsResponse
	if err := c.getJSON(ctx, "/tokens/floor/v1?"+q.Encode(), &resp); err != nil {
		return decimal.Zero, fmt.Errorf("%w: listings: %v", ErrFloorNotFound, err)
	}
	v, ok := resp.Tokens.min()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no listing floors (shape=%s)", ErrFloorNotFound, resp.Tokens.shape)
	}
	return v, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	endpoint := c.host + path
	_, err := retry.Do(ctx, c.policy, "GET "+endpoint, func(ctx context.Context) (struct{}, error) {
		if err := c.pacer.Wait(ctx); err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		return struct{}{}, c.getOnce(ctx, endpoint, out)
	})
	return err
}

func (c *Client) getOnce(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBodyLimit(resp.Body, 8<<10)
		err := fmt.Errorf("floor %s: status=%d body=%q", endpoint, resp.StatusCode, body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return err
		}
		return retry.Permanent(err)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("floor decode: %w", err))
	}
	return nil
}

func readBodyLimit(r io.Reader, max int64) string {
	if r == nil || max <= 0 {
		return ""
	}
	lr := &io.LimitedReader{R: r, N: max}
	b, _ := io.ReadAll(lr)
	return strings.TrimSpace(string(b))
}
