package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/exitpilot/internal/domain"
	"github.com/alanyoungcy/exitpilot/internal/exit"
	"github.com/alanyoungcy/exitpilot/internal/metrics"
)

const priceThrottleKey = "upstream:price"

// PriceService is the exit engine's price oracle. Live quotes come from the
// upstream source and are written through to the shared price cache; when
// the source fails, a cached quote younger than maxAge is served instead.
type PriceService struct {
	source   exit.PriceOracle
	cache    domain.PriceCache
	throttle domain.RateLimiter
	maxAge   time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu   sync.RWMutex
	last map[string]float64
}

// NewPriceService creates a PriceService. cache may be nil.
func NewPriceService(
	source exit.PriceOracle,
	cache domain.PriceCache,
	maxAge time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *PriceService {
	return &PriceService{
		source:  source,
		cache:   cache,
		maxAge:  maxAge,
		metrics: m,
		logger:  logger.With(slog.String("component", "price_service")),
		last:    make(map[string]float64),
	}
}

// Price returns the current price of assetID. Every failure wraps
// domain.ErrPriceUnavailable.
func (s *PriceService) Price(ctx context.Context, assetID string) (float64, error) {
	price, err := s.fetch(ctx, assetID)
	if err == nil && price > 0 {
		s.remember(assetID, price)
		if s.cache != nil {
			if cerr := s.cache.SetPrice(ctx, assetID, price, time.Now().UTC()); cerr != nil {
				s.logger.WarnContext(ctx, "price_service: cache write failed",
					slog.String("asset", assetID),
					slog.String("error", cerr.Error()),
				)
			}
		}
		s.metrics.PriceLookup("oracle")
		return price, nil
	}
	if err == nil {
		err = fmt.Errorf("non-positive price %v", price)
	}

	if s.cache != nil && s.maxAge > 0 {
		cached, ts, cerr := s.cache.GetPrice(ctx, assetID)
		if cerr == nil && cached > 0 && time.Since(ts) <= s.maxAge {
			s.metrics.PriceLookup("cache")
			return cached, nil
		}
	}

	s.metrics.PriceLookup("miss")
	return 0, fmt.Errorf("price_service: %s: %w: %w", assetID, domain.ErrPriceUnavailable, err)
}

// SetThrottle makes every upstream lookup wait for a slot on limiter, shared
// by all replicas. Cached fallbacks are not throttled.
func (s *PriceService) SetThrottle(limiter domain.RateLimiter) {
	s.throttle = limiter
}

func (s *PriceService) fetch(ctx context.Context, assetID string) (float64, error) {
	if s.throttle != nil {
		if err := s.throttle.Wait(ctx, priceThrottleKey); err != nil {
			return 0, err
		}
	}
	return s.source.Price(ctx, assetID)
}

// LastPrices returns the latest known price of each asset: this process's
// own observations first, then one batched read of the shared cache for the
// rest. Assets without a known price are omitted.
func (s *PriceService) LastPrices(ctx context.Context, assetIDs []string) map[string]float64 {
	out := make(map[string]float64, len(assetIDs))
	var missing []string
	s.mu.RLock()
	for _, id := range assetIDs {
		if p, ok := s.last[id]; ok {
			out[id] = p
		} else {
			missing = append(missing, id)
		}
	}
	s.mu.RUnlock()

	if len(missing) == 0 || s.cache == nil {
		return out
	}
	cached, err := s.cache.GetPrices(ctx, missing)
	if err != nil {
		s.logger.WarnContext(ctx, "price_service: batch cache read failed",
			slog.Int("assets", len(missing)),
			slog.String("error", err.Error()),
		)
		return out
	}
	for id, p := range cached {
		if p > 0 {
			out[id] = p
		}
	}
	return out
}

func (s *PriceService) remember(assetID string, price float64) {
	s.mu.Lock()
	s.last[assetID] = price
	s.mu.Unlock()
}
