package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
)

const secretKeyPrefix = "secret:"

// SecretStore keeps single-use secrets in Redis. GETDEL makes the fetch and
// the delete one atomic command, so a second consumer always sees not-found.
type SecretStore struct {
	client *redis.Client
}

func NewSecretStore(client *redis.Client) *SecretStore {
	return &SecretStore{client: client}
}

func (s *SecretStore) Store(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, secretKeyPrefix+key, value, ttl).Err(); err != nil {
		logger.Error("secret store set failed", err, logger.Fields{
			"key": key,
		})
		return fmt.Errorf("store secret %s: %w", key, err)
	}
	return nil
}

func (s *SecretStore) GetAndDelete(ctx context.Context, key string) (string, error) {
	value, err := s.client.GetDel(ctx, secretKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrRecordNotFound
	}
	if err != nil {
		logger.Error("secret store getdel failed", err, logger.Fields{
			"key": key,
		})
		return "", fmt.Errorf("consume secret %s: %w", key, err)
	}
	return value, nil
}
