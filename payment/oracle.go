package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hupe1980/coralmesh/errs"
)

// PriceOracle converts between coral and US dollars.
type PriceOracle interface {
	CoralToUSD(ctx context.Context, coral float64) (float64, error)
	USDToCoral(ctx context.Context, usd float64) (float64, error)
}

// FixedOracle is a PriceOracle with a constant USD price per coral.
type FixedOracle float64

// CoralToUSD implements PriceOracle.
func (f FixedOracle) CoralToUSD(_ context.Context, coral float64) (float64, error) {
	return coral * float64(f), nil
}

// USDToCoral implements PriceOracle.
func (f FixedOracle) USDToCoral(_ context.Context, usd float64) (float64, error) {
	if f <= 0 {
		return 0, errs.Unavailable("coral price is not positive")
	}
	return usd / float64(f), nil
}

// JupiterOptions configures a JupiterOracle.
type JupiterOptions struct {
	// Endpoint is the price API endpoint.
	Endpoint string
	// Mint is the token mint whose price is requested.
	Mint string
	// CacheTTL bounds how often the API is queried.
	CacheTTL time.Duration
	// HTTPClient performs the requests.
	HTTPClient *http.Client
}

// DefaultCoralMint is the mainnet coral token mint.
const DefaultCoralMint = "CoRAitPvr9seu5F9Hk39vbjqA1o1XuoryHjSk1Z1q2mo"

// JupiterOracle fetches the coral USD price from the Jupiter price API and
// caches it for CacheTTL.
type JupiterOracle struct {
	opts JupiterOptions

	mu        sync.Mutex
	price     float64
	fetchedAt time.Time
}

// NewJupiterOracle creates a JupiterOracle.
func NewJupiterOracle(optFns ...func(o *JupiterOptions)) *JupiterOracle {
	opts := JupiterOptions{
		Endpoint:   "https://lite-api.jup.ag/price/v3",
		Mint:       DefaultCoralMint,
		CacheTTL:   6 * time.Second,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &JupiterOracle{opts: opts}
}

// CoralToUSD implements PriceOracle.
func (j *JupiterOracle) CoralToUSD(ctx context.Context, coral float64) (float64, error) {
	price, err := j.usdPrice(ctx)
	if err != nil {
		return 0, err
	}
	return coral * price, nil
}

// USDToCoral implements PriceOracle.
func (j *JupiterOracle) USDToCoral(ctx context.Context, usd float64) (float64, error) {
	price, err := j.usdPrice(ctx)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, errs.Unavailable("coral price is not positive")
	}
	return usd / price, nil
}

func (j *JupiterOracle) usdPrice(ctx context.Context) (float64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.fetchedAt.IsZero() && time.Since(j.fetchedAt) < j.opts.CacheTTL {
		return j.price, nil
	}

	price, err := j.fetch(ctx)
	if err != nil {
		if !j.fetchedAt.IsZero() {
			// Rate limited or offline; the stale price is better than none.
			return j.price, nil
		}
		return 0, err
	}

	j.price = price
	j.fetchedAt = time.Now()
	return price, nil
}

func (j *JupiterOracle) fetch(ctx context.Context) (float64, error) {
	u, err := url.Parse(j.opts.Endpoint)
	if err != nil {
		return 0, errs.Wrap(err, errs.CodeInvalidArgument, "invalid price endpoint")
	}
	q := u.Query()
	q.Set("ids", j.opts.Mint)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}

	resp, err := j.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, errs.Wrap(err, errs.CodeUnavailable, "price request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errs.Upstream("unexpected price api status %d", resp.StatusCode)
	}

	var body map[string]struct {
		USDPrice float64 `json:"usdPrice"`
		Decimals int64   `json:"decimals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, errs.Wrap(err, errs.CodeUpstream, "decode price response")
	}

	entry, ok := body[j.opts.Mint]
	if !ok {
		return 0, errs.Upstream("price api did not return a price for %s", j.opts.Mint)
	}
	return entry.USDPrice, nil
}
