package cartstore

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"
	pb "github.com/norun9/cartservice/genproto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
)

const (
	// Each user's cart lives in a hash keyed by the user ID, under this field.
	cartField = "cart"

	defaultRedisPort   = "6379"
	maxConnectAttempts = 30
	watchTimeout       = 10 * time.Second
)

// RedisCartStore is a cart store backed by Redis.
type RedisCartStore struct {
	client *redis.Client
	log    logrus.FieldLogger

	connectAttempts uint64
	initialBackoff  time.Duration
	watchTimeout    time.Duration
}

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// NewRedisCartStore accepts a Redis connection string ("redis://..." or
// "hostname[:port]") and returns a store instance. No connection is made
// until Initialize.
func NewRedisCartStore(redisAddr string, log logrus.FieldLogger) (*RedisCartStore, error) {
	opts, err := redisOptions(redisAddr)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	client.AddHook(redisotel.NewTracingHook())

	return &RedisCartStore{
		client:          client,
		log:             log.WithField("store", "redis"),
		connectAttempts: maxConnectAttempts,
		initialBackoff:  time.Second,
		watchTimeout:    watchTimeout,
	}, nil
}

func redisOptions(redisAddr string) (*redis.Options, error) {
	if redisAddr == "" {
		return nil, errors.New("redis address is empty")
	}
	if strings.HasPrefix(redisAddr, "redis://") || strings.HasPrefix(redisAddr, "rediss://") {
		opts, err := redis.ParseURL(redisAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "parse redis url %q", redisAddr)
		}
		return opts, nil
	}

	// Append the default port only when none was given.
	if !strings.Contains(redisAddr, ":") {
		redisAddr = redisAddr + ":" + defaultRedisPort
	}
	return &redis.Options{
		Addr:         redisAddr,
		MinIdleConns: 1,
		DialTimeout:  30 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PoolSize:     10,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  180 * time.Second,
	}, nil
}

// Initialize checks the Redis connection, retrying with exponential backoff.
func (r *RedisCartStore) Initialize(ctx context.Context) error {
	r.log.Info("initializing connection")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialBackoff
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		if r.Ping(ctx) {
			return nil
		}
		return errors.Errorf("ping failed on attempt %d/%d", attempt, r.connectAttempts)
	}
	notify := func(err error, wait time.Duration) {
		r.log.WithError(err).Warnf("waiting %v before next attempt", wait)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.connectAttempts-1), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return errors.Wrapf(err, "failed to connect to Redis after %d attempts", attempt)
	}

	r.log.Infof("RedisCartStore initialized successfully after %d attempt(s)", attempt)
	return nil
}

// AddItem merges the item into the user's cart. The read-modify-write runs
// under WATCH so concurrent additions for the same user are not lost.
func (r *RedisCartStore) AddItem(ctx context.Context, userID, productID string, quantity int32) error {
	r.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"product_id": productID,
		"quantity":   quantity,
	}).Debug("AddItem called")

	txf := func(tx *redis.Tx) error {
		cart, err := r.readCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		mergeItem(cart, productID, quantity)

		data, err := proto.Marshal(cart)
		if err != nil {
			return errors.Wrap(err, "marshal cart")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, userID, cartField, data)
			return nil
		})
		return err
	}

	// A failed EXEC means another writer touched the cart; back off with
	// jitter and merge again until ctx or watchTimeout runs out.
	attempts := 0
	op := func() error {
		attempts++
		err := r.client.Watch(ctx, txf, userID)
		if err == nil || errors.Is(err, redis.TxFailedErr) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, r.watchBackOff(ctx)); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return errors.Wrapf(err, "redis add item: cart for user %s kept changing, gave up after %d attempts", userID, attempts)
		}
		return errors.Wrap(err, "redis add item")
	}
	return nil
}

func (r *RedisCartStore) watchBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.RandomizationFactor = 0.5
	b.Multiplier = 1.5
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = r.watchTimeout
	return backoff.WithContext(b, ctx)
}

// EmptyCart stores an empty cart for the user.
func (r *RedisCartStore) EmptyCart(ctx context.Context, userID string) error {
	r.log.WithField("user_id", userID).Debug("EmptyCart called")

	data, err := proto.Marshal(&pb.Cart{UserId: userID})
	if err != nil {
		return errors.Wrap(err, "marshal empty cart")
	}
	if err := r.client.HSet(ctx, userID, cartField, data).Err(); err != nil {
		return errors.Wrap(err, "redis HSet")
	}
	return nil
}

// GetCart retrieves a cart from Redis, returning an empty one if it doesn't exist.
func (r *RedisCartStore) GetCart(ctx context.Context, userID string) (*pb.Cart, error) {
	r.log.WithField("user_id", userID).Debug("GetCart called")
	return r.readCart(ctx, r.client, userID)
}

func (r *RedisCartStore) readCart(ctx context.Context, h hashGetter, userID string) (*pb.Cart, error) {
	val, err := h.HGet(ctx, userID, cartField).Bytes()
	if err == redis.Nil {
		return newEmptyCart(userID), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis HGet")
	}

	var cart pb.Cart
	if err := proto.Unmarshal(val, &cart); err != nil {
		return nil, errors.Wrapf(err, "failed to parse cart data for user %s", userID)
	}
	if cart.UserId == "" {
		cart.UserId = userID
	}
	if cart.Items == nil {
		cart.Items = []*pb.CartItem{}
	}
	return &cart, nil
}

// Ping checks if Redis is alive.
func (r *RedisCartStore) Ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.Ping(pingCtx).Err(); err != nil {
		r.log.WithError(err).Warn("ping failed")
		return false
	}
	return true
}

func (r *RedisCartStore) Close() error {
	return r.client.Close()
}
