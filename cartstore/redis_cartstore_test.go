package cartstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	pb "github.com/norun9/cartservice/genproto"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func setupTestRedis(t *testing.T) (*RedisCartStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	log, _ := test.NewNullLogger()

	store, err := NewRedisCartStore(mr.Addr(), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Initialize(context.Background()))
	return store, mr
}

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		wantAddr string
		wantDB   int
	}{
		{"host only", "redis-cart", "redis-cart:6379", 0},
		{"host and port", "redis-cart:6380", "redis-cart:6380", 0},
		{"url", "redis://:secret@redis-cart:6381/2", "redis-cart:6381", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := redisOptions(tt.addr)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, opts.Addr)
			assert.Equal(t, tt.wantDB, opts.DB)
		})
	}
}

func TestRedisOptions_Empty(t *testing.T) {
	_, err := redisOptions("")
	assert.Error(t, err)
}

func TestRedisCartStore_GetCart_UnknownUser(t *testing.T) {
	store, _ := setupTestRedis(t)

	cart, err := store.GetCart(context.Background(), "nobody")

	require.NoError(t, err)
	assert.Equal(t, "nobody", cart.UserId)
	assert.Empty(t, cart.Items)
}

func TestRedisCartStore_AddItem_Merges(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.AddItem(ctx, "u1", "p1", 2))
	require.NoError(t, store.AddItem(ctx, "u1", "p2", 4))
	require.NoError(t, store.AddItem(ctx, "u1", "p1", 3))

	cart, err := store.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", cart.UserId)
	require.Len(t, cart.Items, 2)
	assert.Equal(t, "p1", cart.Items[0].ProductId)
	assert.Equal(t, int32(5), cart.Items[0].Quantity)
	assert.Equal(t, "p2", cart.Items[1].ProductId)
	assert.Equal(t, int32(4), cart.Items[1].Quantity)
}

func TestRedisCartStore_StoredFormat(t *testing.T) {
	store, mr := setupTestRedis(t)
	require.NoError(t, store.AddItem(context.Background(), "u1", "p1", 1))

	raw := mr.HGet("u1", cartField)
	var cart pb.Cart
	require.NoError(t, proto.Unmarshal([]byte(raw), &cart))
	assert.Equal(t, "u1", cart.UserId)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, "p1", cart.Items[0].ProductId)
}

func TestRedisCartStore_EmptyCart(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.AddItem(ctx, "u1", "p1", 2))
	require.NoError(t, store.EmptyCart(ctx, "u1"))

	cart, err := store.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", cart.UserId)
	assert.Empty(t, cart.Items)

	require.NoError(t, store.EmptyCart(ctx, "u2"))
	assert.True(t, mr.Exists("u2"))
}

func TestRedisCartStore_ConcurrentAddItem(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	const workers = 64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.AddItem(ctx, "u1", "p1", 1))
		}()
	}
	wg.Wait()

	cart, err := store.GetCart(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, int32(workers), cart.Items[0].Quantity)
}

func TestRedisCartStore_ConcurrentAddItem_ManyProducts(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	const workers = 100
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.AddItem(ctx, "u1", fmt.Sprintf("p%d", i%4), 2))
		}(i)
	}
	wg.Wait()

	cart, err := store.GetCart(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 4)
	for _, item := range cart.Items {
		assert.Equal(t, int32(workers/4*2), item.Quantity)
	}
}

func TestRedisCartStore_AddItem_CanceledContext(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.AddItem(ctx, "u1", "p1", 1)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisCartStore_CorruptData(t *testing.T) {
	store, mr := setupTestRedis(t)
	mr.HSet("u1", cartField, "garbage")

	_, err := store.GetCart(context.Background(), "u1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse cart data")
}

func TestRedisCartStore_ServerDown(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()
	mr.Close()

	assert.False(t, store.Ping(ctx))
	assert.Error(t, store.AddItem(ctx, "u1", "p1", 1))
	assert.Error(t, store.EmptyCart(ctx, "u1"))
	_, err := store.GetCart(ctx, "u1")
	assert.Error(t, err)
}

func TestRedisCartStore_Initialize_GivesUp(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	log, hook := test.NewNullLogger()
	store, err := NewRedisCartStore(addr, log)
	require.NoError(t, err)
	defer store.Close()
	store.connectAttempts = 2
	store.initialBackoff = 10 * time.Millisecond

	err = store.Initialize(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.NotEmpty(t, hook.AllEntries())
}

func TestRedisCartStore_Initialize_Canceled(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	log, _ := test.NewNullLogger()
	store, err := NewRedisCartStore(addr, log)
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = store.Initialize(ctx)

	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}
