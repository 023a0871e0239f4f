package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"bustrack/internal/model"
)

const (
	latestKeyPrefix  = "bus:latest:"
	DefaultLatestTTL = 2 * time.Hour
)

var ErrNoLatest = errors.New("no latest position cached")

// RedisLatest keeps the most recent position per bus, overwriting on each write.
type RedisLatest struct {
	client *redis.Client
	ttl    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func NewRedisLatest(client *redis.Client, ttl time.Duration) *RedisLatest {
	if ttl <= 0 {
		ttl = DefaultLatestTTL
	}
	return &RedisLatest{client: client, ttl: ttl}
}

func latestKey(busID int) string {
	return latestKeyPrefix + strconv.Itoa(busID)
}

func (r *RedisLatest) Name() string { return "redis" }

func (r *RedisLatest) Write(ctx context.Context, rec model.PositionRecord) error {
	data, err := json.Marshal(newPositionDoc(rec))
	if err != nil {
		return fmt.Errorf("marshal latest position: %w", err)
	}
	if err := r.client.Set(ctx, latestKey(rec.BusID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// LatestPosition returns the cached latest position for busID, or ErrNoLatest.
func (r *RedisLatest) LatestPosition(ctx context.Context, busID int) (*model.PositionRecord, error) {
	data, err := r.client.Get(ctx, latestKey(busID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoLatest
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeLatest(data)
}

func decodeLatest(data []byte) (*model.PositionRecord, error) {
	var doc positionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode latest position: %w", err)
	}
	return &model.PositionRecord{
		BusID: doc.BusID,
		Position: model.Position{
			Latitude:  doc.Latitude,
			Longitude: doc.Longitude,
			Speed:     doc.Speed,
			Heading:   doc.Heading,
			Timestamp: doc.Timestamp,
		},
	}, nil
}
