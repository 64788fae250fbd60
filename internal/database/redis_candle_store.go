package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trading-worker/config"
	"trading-worker/internal/broker"
)

const candleKeyPrefix = "candles:1m:"
const candleTTL = 48 * time.Hour

// CandleStore persists aggregated 1-minute candles in Redis so a
// streaming worker restart does not lose bar history.
type CandleStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewCandleStore connects to Redis and verifies the connection
func NewCandleStore(cfg config.RedisConfig, logger zerolog.Logger) (*CandleStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &CandleStore{
		client: client,
		logger: logger.With().Str("component", "CandleStore").Logger(),
	}, nil
}

// SaveCandles replaces the stored candle list for a symbol
func (s *CandleStore) SaveCandles(ctx context.Context, symbol string, candles []broker.Candle) error {
	data, err := json.Marshal(candles)
	if err != nil {
		return fmt.Errorf("marshalling candles: %w", err)
	}
	if err := s.client.Set(ctx, candleKeyPrefix+symbol, data, candleTTL).Err(); err != nil {
		return fmt.Errorf("storing candles for %s: %w", symbol, err)
	}
	return nil
}

// LoadCandles returns the stored candle list, empty when absent
func (s *CandleStore) LoadCandles(ctx context.Context, symbol string) ([]broker.Candle, error) {
	data, err := s.client.Get(ctx, candleKeyPrefix+symbol).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading candles for %s: %w", symbol, err)
	}

	var candles []broker.Candle
	if err := json.Unmarshal(data, &candles); err != nil {
		return nil, fmt.Errorf("unmarshalling candles for %s: %w", symbol, err)
	}
	return candles, nil
}

// Close releases the Redis connection
func (s *CandleStore) Close() error {
	return s.client.Close()
}
