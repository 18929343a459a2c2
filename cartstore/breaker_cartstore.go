package cartstore

import (
	"context"
	"time"

	pb "github.com/norun9/cartservice/genproto"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BreakerSettings tunes the breaker wrapped around a store.
type BreakerSettings struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerSettings trips at 50% failures over at least 5 requests
// within a minute and stays open for 30 seconds.
func DefaultBreakerSettings(name string) BreakerSettings {
	return BreakerSettings{
		Name:         name,
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

var breakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "cart_store_breaker_state",
		Help: "Current state of the cart store circuit breaker (0=closed, 1=half-open, 2=open)",
	},
	[]string{"name"},
)

func init() {
	prometheus.MustRegister(breakerState)
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// BreakerCartStore guards another ICartStore with a circuit breaker.
// Initialize, Ping and Close go straight to the wrapped store.
type BreakerCartStore struct {
	next ICartStore
	cb   *gobreaker.CircuitBreaker[any]
	log  logrus.FieldLogger
}

func NewBreakerCartStore(next ICartStore, s BreakerSettings, log logrus.FieldLogger) *BreakerCartStore {
	log = log.WithField("breaker", s.Name)

	st := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		// A caller giving up says nothing about the backend.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker[%s] state changed from %s to %s", name, from, to)
			breakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	}
	breakerState.WithLabelValues(s.Name).Set(stateToFloat(gobreaker.StateClosed))

	return &BreakerCartStore{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[any](st),
		log:  log,
	}
}

func (b *BreakerCartStore) Initialize(ctx context.Context) error {
	return b.next.Initialize(ctx)
}

func (b *BreakerCartStore) AddItem(ctx context.Context, userID, productID string, quantity int32) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.AddItem(ctx, userID, productID, quantity)
	})
	return b.wrap(err)
}

func (b *BreakerCartStore) EmptyCart(ctx context.Context, userID string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.EmptyCart(ctx, userID)
	})
	return b.wrap(err)
}

func (b *BreakerCartStore) GetCart(ctx context.Context, userID string) (*pb.Cart, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.GetCart(ctx, userID)
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return res.(*pb.Cart), nil
}

func (b *BreakerCartStore) Ping(ctx context.Context) bool {
	return b.next.Ping(ctx)
}

func (b *BreakerCartStore) Close() error {
	return b.next.Close()
}

// State reports the current breaker state.
func (b *BreakerCartStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerCartStore) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return status.Errorf(codes.Unavailable, "cart store unavailable: %v", err)
	}
	return err
}
