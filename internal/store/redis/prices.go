// Package redis provides the low-latency side of the engine's storage:
// the shared price store written by the external price publisher, and the
// per-order execution locks. Both live in the same Redis instance.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	goredis "github.com/go-redis/redis/v8"
)

// Price keys are written by the price publisher as plain decimal strings:
// price:latest:<instrument_id> → "64123.50"
const priceKeyPrefix = "price:latest:"

// PriceReaderConfig configures the Redis price reader.
type PriceReaderConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	// Circuit breaker tuning; zero values pick defaults.
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

// PriceReader reads the latest published price per instrument.
// Reads go through a circuit breaker so a dead Redis degrades to fast
// failures instead of per-tick dial timeouts.
type PriceReader struct {
	client  *goredis.Client
	breaker *CircuitBreaker
}

// Client returns the underlying Redis client for health checks.
func (p *PriceReader) Client() *goredis.Client { return p.client }

// Breaker exposes the circuit breaker for metrics wiring.
func (p *PriceReader) Breaker() *CircuitBreaker { return p.breaker }

// NewPriceReader creates a new PriceReader and pings the server.
func NewPriceReader(cfg PriceReaderConfig) (*PriceReader, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	maxFailures := cfg.BreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	resetTimeout := cfg.BreakerResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = 10 * time.Second
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &PriceReader{
		client:  client,
		breaker: NewCircuitBreaker(maxFailures, resetTimeout),
	}, nil
}

// LatestPrice returns the current price for an instrument.
// ok=false with nil error means the publisher has not written a price yet.
func (p *PriceReader) LatestPrice(ctx context.Context, instrumentID string) (decimal.Decimal, bool, error) {
	var raw string
	var found bool

	err := p.breaker.Execute(func() error {
		v, err := p.client.Get(ctx, priceKeyPrefix+instrumentID).Result()
		if err == goredis.Nil {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		raw = v
		found = true
		return nil
	})
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("redis get price %s: %w", instrumentID, err)
	}
	if !found {
		return decimal.Zero, false, nil
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse price %s=%q: %w", instrumentID, raw, err)
	}
	return price, true, nil
}

// Close closes the Redis client.
func (p *PriceReader) Close() error {
	return p.client.Close()
}
