package services

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/norun9/cartservice/cartstore"
	"github.com/norun9/cartservice/config"
	pb "github.com/norun9/cartservice/genproto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/testing/protocmp"
)

// stubStore counts calls and can be told to fail.
type stubStore struct {
	cartstore.ICartStore

	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubStore) record() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubStore) AddItem(ctx context.Context, userID, productID string, quantity int32) error {
	if err := s.record(); err != nil {
		return err
	}
	return s.ICartStore.AddItem(ctx, userID, productID, quantity)
}

func (s *stubStore) GetCart(ctx context.Context, userID string) (*pb.Cart, error) {
	if err := s.record(); err != nil {
		return nil, err
	}
	return s.ICartStore.GetCart(ctx, userID)
}

func (s *stubStore) EmptyCart(ctx context.Context, userID string) error {
	if err := s.record(); err != nil {
		return err
	}
	return s.ICartStore.EmptyCart(ctx, userID)
}

func newStubStore(log logrus.FieldLogger) *stubStore {
	return &stubStore{ICartStore: cartstore.NewLocalCartStore(log)}
}

func newTestClient(t *testing.T, store cartstore.ICartStore, latency string) pb.CartServiceClient {
	t.Helper()
	log, _ := test.NewNullLogger()

	cfg := config.Default()
	cfg.ExtraLatency = latency

	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryInterceptor(log),
		LoggingInterceptor(log),
	))
	pb.RegisterCartServiceServer(srv, NewCartServiceServer(store, cfg, log))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return pb.NewCartServiceClient(conn)
}

func TestNewCartServiceServer_Latency(t *testing.T) {
	log, hook := test.NewNullLogger()

	s := NewCartServiceServer(cartstore.NewLocalCartStore(log), &config.Config{ExtraLatency: "2s"}, log)

	assert.Equal(t, 2*time.Second, s.Latency())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Extra latency set to 2000ms", hook.LastEntry().Message)
}

func TestNewCartServiceServer_NilConfig(t *testing.T) {
	log, _ := test.NewNullLogger()

	s := NewCartServiceServer(cartstore.NewLocalCartStore(log), nil, log)

	assert.Zero(t, s.Latency())
}

func TestNewCartServiceServer_MalformedLatency(t *testing.T) {
	log, _ := test.NewNullLogger()

	s := NewCartServiceServer(cartstore.NewLocalCartStore(log), &config.Config{ExtraLatency: "fast"}, log)

	assert.Zero(t, s.Latency())
}

func TestCartService_AddThenGetWithLatency(t *testing.T) {
	log, _ := test.NewNullLogger()
	client := newTestClient(t, cartstore.NewLocalCartStore(log), "200ms")
	ctx := context.Background()

	start := time.Now()
	_, err := client.AddItem(ctx, &pb.AddItemRequest{
		UserId: "u1",
		Item:   &pb.CartItem{ProductId: "p1", Quantity: 3},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	cart, err := client.GetCart(ctx, &pb.GetCartRequest{UserId: "u1"})
	require.NoError(t, err)

	want := &pb.Cart{UserId: "u1", Items: []*pb.CartItem{{ProductId: "p1", Quantity: 3}}}
	if diff := cmp.Diff(want, cart, protocmp.Transform()); diff != "" {
		t.Errorf("GetCart mismatch (-want +got):\n%s", diff)
	}
}

func TestCartService_EmptyUnknownUser(t *testing.T) {
	log, _ := test.NewNullLogger()
	client := newTestClient(t, cartstore.NewLocalCartStore(log), "0ms")
	ctx := context.Background()

	_, err := client.EmptyCart(ctx, &pb.EmptyCartRequest{UserId: "u2"})
	require.NoError(t, err)

	cart, err := client.GetCart(ctx, &pb.GetCartRequest{UserId: "u2"})
	require.NoError(t, err)
	if diff := cmp.Diff(&pb.Cart{UserId: "u2"}, cart, protocmp.Transform()); diff != "" {
		t.Errorf("GetCart mismatch (-want +got):\n%s", diff)
	}
}

func TestCartService_MergeAndEmpty(t *testing.T) {
	log, _ := test.NewNullLogger()
	client := newTestClient(t, cartstore.NewLocalCartStore(log), "0ms")
	ctx := context.Background()

	for _, q := range []int32{2, 5} {
		_, err := client.AddItem(ctx, &pb.AddItemRequest{
			UserId: "u1",
			Item:   &pb.CartItem{ProductId: "p1", Quantity: q},
		})
		require.NoError(t, err)
	}

	cart, err := client.GetCart(ctx, &pb.GetCartRequest{UserId: "u1"})
	require.NoError(t, err)
	require.Len(t, cart.GetItems(), 1)
	assert.Equal(t, int32(7), cart.GetItems()[0].GetQuantity())

	_, err = client.EmptyCart(ctx, &pb.EmptyCartRequest{UserId: "u1"})
	require.NoError(t, err)
	_, err = client.EmptyCart(ctx, &pb.EmptyCartRequest{UserId: "u1"})
	require.NoError(t, err)

	cart, err = client.GetCart(ctx, &pb.GetCartRequest{UserId: "u1"})
	require.NoError(t, err)
	assert.Empty(t, cart.GetItems())
}

func TestCartService_StoreFailure(t *testing.T) {
	log, _ := test.NewNullLogger()
	store := newStubStore(log)
	client := newTestClient(t, store, "0ms")
	ctx := context.Background()

	store.setErr(errors.New("redis: connection refused"))

	_, err := client.AddItem(ctx, &pb.AddItemRequest{UserId: "u1", Item: &pb.CartItem{ProductId: "p1", Quantity: 1}})
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Equal(t, "AddItem failed: redis: connection refused", status.Convert(err).Message())
	assert.Equal(t, 1, store.Calls())

	_, err = client.GetCart(ctx, &pb.GetCartRequest{UserId: "u1"})
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "GetCart failed")

	_, err = client.EmptyCart(ctx, &pb.EmptyCartRequest{UserId: "u1"})
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "EmptyCart failed")

	// One call per request, no retries.
	assert.Equal(t, 3, store.Calls())

	// The failure is scoped to the call; a healthy store answers again.
	store.setErr(nil)
	_, err = client.GetCart(ctx, &pb.GetCartRequest{UserId: "u1"})
	assert.NoError(t, err)
}

func TestCartService_StoreStatusKept(t *testing.T) {
	log, _ := test.NewNullLogger()
	store := newStubStore(log)
	store.setErr(status.Error(codes.Unavailable, "cart store unavailable"))
	client := newTestClient(t, store, "0ms")

	_, err := client.GetCart(context.Background(), &pb.GetCartRequest{UserId: "u1"})

	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestCartService_CanceledDuringLatency(t *testing.T) {
	log, _ := test.NewNullLogger()
	store := newStubStore(log)
	client := newTestClient(t, store, "5s")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.AddItem(ctx, &pb.AddItemRequest{UserId: "u1", Item: &pb.CartItem{ProductId: "p1", Quantity: 1}})

	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Never(t, func() bool { return store.Calls() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestCartService_Validation(t *testing.T) {
	log, _ := test.NewNullLogger()
	store := newStubStore(log)
	client := newTestClient(t, store, "0ms")
	ctx := context.Background()

	_, err := client.AddItem(ctx, &pb.AddItemRequest{Item: &pb.CartItem{ProductId: "p1", Quantity: 1}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.AddItem(ctx, &pb.AddItemRequest{UserId: "u1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.AddItem(ctx, &pb.AddItemRequest{UserId: "u1", Item: &pb.CartItem{ProductId: "p1", Quantity: -1}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetCart(ctx, &pb.GetCartRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.EmptyCart(ctx, &pb.EmptyCartRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	assert.Zero(t, store.Calls())

	// Zero quantity and empty product ids are stored as given.
	_, err = client.AddItem(ctx, &pb.AddItemRequest{UserId: "u1", Item: &pb.CartItem{Quantity: 0}})
	assert.NoError(t, err)
}

func TestStoreError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"plain", errors.New("boom"), codes.Internal},
		{"wrapped canceled", errors.Wrap(context.Canceled, "redis HGet"), codes.Canceled},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"status", status.Error(codes.Unavailable, "open"), codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(storeError("GetCart", tt.err)))
		})
	}
}
