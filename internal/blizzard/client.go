// Package blizzard fetches auction snapshots and connected-realm metadata
// from the Battle.net game-data API.
package blizzard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/atmx/market-history/internal/cache"
	"github.com/atmx/market-history/internal/logger"
	"github.com/atmx/market-history/internal/metrics"
	"github.com/atmx/market-history/internal/model"
	"github.com/atmx/market-history/internal/snapshot"
)

const (
	DefaultOAuthURL   = "https://oauth.battle.net/token"
	DefaultAPIBaseURL = "https://{region}.api.blizzard.com"

	// RealmTTL bounds how long realm metadata is reused.
	RealmTTL = 7 * 24 * time.Hour
	// AuctionTTL bounds how long a snapshot is reused; upstream refreshes
	// hourly.
	AuctionTTL = time.Hour
)

var (
	ErrUpstream         = errors.New("blizzard: upstream request failed")
	ErrTimezoneMismatch = errors.New("blizzard: realms of one connected realm disagree on timezone")

	crIDPattern = regexp.MustCompile(`connected-realm/(\d+)`)
)

// Config configures a Client.
type Config struct {
	ClientID     string
	ClientSecret string
	// OAuthURL and APIBaseURL default to the public endpoints. APIBaseURL
	// may contain a {region} placeholder.
	OAuthURL   string
	APIBaseURL string
	// Locale overrides DefaultLocale for every region.
	Locale            string
	RequestsPerSecond float64
	Timeout           time.Duration
	Retries           int
}

// Client talks to the game-data API. Responses are memoized through the
// given cache. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *resty.Client
	cache   cache.Cache
	limiter *rate.Limiter
	now     func() time.Time
	log     *logger.Entry

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New creates a Client. c may be nil to disable memoization.
func New(cfg Config, c cache.Cache) *Client {
	if cfg.OAuthURL == "" {
		cfg.OAuthURL = DefaultOAuthURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(cfg.Retries)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
	})

	return &Client{
		cfg:     cfg,
		http:    client,
		cache:   c,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		log:     logger.GetLogger().WithComponent("blizzard"),
	}
}

// DefaultLocale returns the locale used for a region's requests.
func DefaultLocale(region string) string {
	switch region {
	case "kr":
		return "ko_KR"
	case "tw":
		return "zh_TW"
	default:
		return "en_US"
	}
}

func (c *Client) locale(region string) string {
	if c.cfg.Locale != "" {
		return c.cfg.Locale
	}
	return DefaultLocale(region)
}

type indexResponse struct {
	ConnectedRealms []struct {
		Href string `json:"href"`
	} `json:"connected_realms"`
}

// ConnectedRealmIDs lists the connected realms of a region in index order.
func (c *Client) ConnectedRealmIDs(ctx context.Context, region string) ([]int64, error) {
	key := c.cacheKey(region, "connected-realm-index")
	return memoize(ctx, c, "connected_realm_index", key, RealmTTL, func(ctx context.Context) ([]int64, error) {
		var idx indexResponse
		if err := c.getJSON(ctx, region, "/data/wow/connected-realm/index", &idx); err != nil {
			return nil, err
		}
		ids := make([]int64, 0, len(idx.ConnectedRealms))
		for _, cr := range idx.ConnectedRealms {
			m := crIDPattern.FindStringSubmatch(cr.Href)
			if m == nil {
				return nil, fmt.Errorf("%w: no connected realm id in %q", ErrUpstream, cr.Href)
			}
			id, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrUpstream, cr.Href, err)
			}
			ids = append(ids, id)
		}
		return ids, nil
	})
}

type connectedRealmResponse struct {
	ID     int64 `json:"id"`
	Realms []struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		Slug     string `json:"slug"`
		Locale   string `json:"locale"`
		Timezone string `json:"timezone"`
	} `json:"realms"`
}

// ConnectedRealm returns the realms of one connected realm. All realms must
// share a timezone.
func (c *Client) ConnectedRealm(ctx context.Context, region string, id int64) (*model.ConnectedRealm, error) {
	key := c.cacheKey(region, "connected-realm:"+strconv.FormatInt(id, 10))
	return memoize(ctx, c, "connected_realm", key, RealmTTL, func(ctx context.Context) (*model.ConnectedRealm, error) {
		var resp connectedRealmResponse
		if err := c.getJSON(ctx, region, fmt.Sprintf("/data/wow/connected-realm/%d", id), &resp); err != nil {
			return nil, err
		}
		cr := &model.ConnectedRealm{ID: id}
		for i, r := range resp.Realms {
			if i > 0 && r.Timezone != cr.Timezone {
				return nil, fmt.Errorf("%w: connected realm %d: %q vs %q", ErrTimezoneMismatch, id, cr.Timezone, r.Timezone)
			}
			cr.Timezone = r.Timezone
			cr.Realms = append(cr.Realms, model.Realm{
				ID: r.ID, Name: r.Name, Slug: r.Slug, Locale: r.Locale, Timezone: r.Timezone,
			})
		}
		return cr, nil
	})
}

type auctionsResponse struct {
	Auctions []model.Auction `json:"auctions"`
}

// Auctions returns the current snapshot of a connected realm's auction
// house.
func (c *Client) Auctions(ctx context.Context, region string, crid int64) (*model.Snapshot, error) {
	key := c.cacheKey(region, "auctions:"+strconv.FormatInt(crid, 10))
	return memoize(ctx, c, "auctions", key, AuctionTTL, func(ctx context.Context) (*model.Snapshot, error) {
		return c.snapshot(ctx, region, fmt.Sprintf("/data/wow/connected-realm/%d/auctions", crid))
	})
}

// Commodities returns the current region-wide commodities snapshot.
func (c *Client) Commodities(ctx context.Context, region string) (*model.Snapshot, error) {
	key := c.cacheKey(region, "commodities")
	return memoize(ctx, c, "commodities", key, AuctionTTL, func(ctx context.Context) (*model.Snapshot, error) {
		return c.snapshot(ctx, region, "/data/wow/auctions/commodities")
	})
}

// snapshot fetches a listing endpoint. The snapshot time is the upstream
// Last-Modified time so re-fetching unchanged data yields the same
// timestamp.
func (c *Client) snapshot(ctx context.Context, region, path string) (*model.Snapshot, error) {
	resp, err := c.get(ctx, region, path)
	if err != nil {
		return nil, err
	}
	var body auctionsResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", snapshot.ErrMalformedSnapshot, path, err)
	}
	ts := c.now().Unix()
	if lm := resp.Header().Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			ts = t.Unix()
		} else {
			c.log.WithFields(logger.Fields{"path": path, "last_modified": lm}).Warn("unparseable Last-Modified header")
		}
	}
	return &model.Snapshot{Timestamp: ts, Auctions: body.Auctions}, nil
}

// getJSON fetches path and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, region, path string, out interface{}) error {
	resp, err := c.get(ctx, region, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUpstream, path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, region, path string) (*resty.Response, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := strings.ReplaceAll(c.cfg.APIBaseURL, "{region}", region) + path
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParams(map[string]string{
			"namespace": "dynamic-" + region,
			"locale":    c.locale(region),
		}).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUpstream, path, err)
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusUnauthorized {
			c.invalidateToken()
		}
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrUpstream, path, resp.StatusCode())
	}
	return resp, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken returns a client-credentials token, refreshing it a minute
// before it expires.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}
	var tok tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&tok).
		Post(c.cfg.OAuthURL)
	if err != nil {
		return "", fmt.Errorf("%w: token: %v", ErrUpstream, err)
	}
	if resp.IsError() || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: token: status %d", ErrUpstream, resp.StatusCode())
	}
	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) cacheKey(region, what string) string {
	return fmt.Sprintf("bn:%s:%s:%s", region, c.locale(region), what)
}

// memoize wraps cache.Memoize and counts hits and misses per endpoint.
func memoize[T any](ctx context.Context, c *Client, endpoint, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	fetched := false
	v, err := cache.Memoize(ctx, c.cache, key, ttl, func(ctx context.Context) (T, error) {
		fetched = true
		return fn(ctx)
	})
	label := "hit"
	if fetched {
		label = "miss"
	}
	metrics.UpstreamRequests.WithLabelValues(endpoint, label).Inc()
	return v, err
}
