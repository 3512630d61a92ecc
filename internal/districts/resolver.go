// Package districts maps a mailing address to the voter's districts. Lookups
// are best-effort: any failure yields nil districts, which means "show every
// race".
package districts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/metrics"
	"github.com/ballot-guide/backend/pkg/logger"
)

type Address struct {
	Street string `json:"street"`
	City   string `json:"city,omitempty"`
	State  string `json:"state,omitempty"`
	Zip    string `json:"zip"`
}

func (a Address) key() string {
	return strings.ToLower(strings.Join([]string{
		strings.TrimSpace(a.Street), strings.TrimSpace(a.City),
		strings.TrimSpace(a.State), strings.TrimSpace(a.Zip),
	}, "|"))
}

func (a Address) Empty() bool {
	return strings.TrimSpace(a.Street) == "" && strings.TrimSpace(a.Zip) == ""
}

type Resolver interface {
	Resolve(ctx context.Context, addr Address) (*ballot.Districts, error)
}

// Lookup never fails: a resolver error is logged and reported as nil.
func Lookup(ctx context.Context, r Resolver, addr Address) *ballot.Districts {
	if r == nil || addr.Empty() {
		return nil
	}
	d, err := r.Resolve(ctx, addr)
	if err != nil {
		logger.Warn("District lookup failed, showing all races", zap.Error(err))
		return nil
	}
	return d
}

// HTTPResolver calls a JSON endpoint:
//
//	GET <base>?street=..&city=..&state=..&zip=..
//	-> {"congressional":"7","stateSenate":"15","stateHouse":"134","countyFips":"48201"}
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	cache   *lru.Cache[string, ballot.Districts]
}

func NewHTTPResolver(baseURL string, timeout time.Duration, cacheSize int) (*HTTPResolver, error) {
	if cacheSize < 1 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, ballot.Districts](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create district cache: %w", err)
	}
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		cache:   cache,
	}, nil
}

func (r *HTTPResolver) Resolve(ctx context.Context, addr Address) (*ballot.Districts, error) {
	key := addr.key()
	if d, ok := r.cache.Get(key); ok {
		metrics.CacheHits.WithLabelValues("districts").Inc()
		return &d, nil
	}
	metrics.CacheMisses.WithLabelValues("districts").Inc()

	q := url.Values{}
	q.Set("street", addr.Street)
	q.Set("city", addr.City)
	q.Set("state", addr.State)
	q.Set("zip", addr.Zip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build district request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("district lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("district lookup: unexpected status %d", resp.StatusCode)
	}

	var d ballot.Districts
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("district lookup: malformed response: %w", err)
	}

	r.cache.Add(key, d)
	return &d, nil
}
