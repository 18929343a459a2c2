package services

import (
	"context"
	"time"

	"github.com/norun9/cartservice/cartstore"
	"github.com/norun9/cartservice/config"
	pb "github.com/norun9/cartservice/genproto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const instrumentationName = "cartservice"

// CartServiceServer implements the CartServiceServer interface on top of a
// cart store, delaying every call by a fixed latency.
type CartServiceServer struct {
	store    cartstore.ICartStore
	latency  time.Duration
	log      logrus.FieldLogger
	tracer   trace.Tracer
	requests metric.Int64Counter
	pb.UnimplementedCartServiceServer
}

// NewCartServiceServer creates a server instance with a store injected.
// The latency comes from cfg.ExtraLatency; a nil cfg means none.
func NewCartServiceServer(store cartstore.ICartStore, cfg *config.Config, log logrus.FieldLogger) *CartServiceServer {
	raw := "0ms"
	if cfg != nil {
		raw = cfg.ExtraLatency
	}
	latency := ParseLatency(raw)
	log.Infof("Extra latency set to %dms", latency.Milliseconds())

	requests, err := otel.Meter(instrumentationName).Int64Counter("app.cart.requests",
		metric.WithDescription("Cart RPCs handled, by method and status code"),
	)
	if err != nil {
		log.WithError(err).Warn("failed to create request counter")
		requests = noop.Int64Counter{}
	}

	return &CartServiceServer{
		store:    store,
		latency:  latency,
		log:      log,
		tracer:   otel.Tracer(instrumentationName),
		requests: requests,
	}
}

// Latency reports the delay applied to each call.
func (s *CartServiceServer) Latency() time.Duration {
	return s.latency
}

// AddItem RPC implementation.
func (s *CartServiceServer) AddItem(ctx context.Context, req *pb.AddItemRequest) (_ *pb.Empty, err error) {
	ctx, span := s.tracer.Start(ctx, "AddItem")
	defer func() { s.finish(ctx, span, "AddItem", err) }()
	span.SetAttributes(
		attribute.String("app.user_id", req.GetUserId()),
		attribute.String("app.product_id", req.GetItem().GetProductId()),
		attribute.Int64("app.quantity", int64(req.GetItem().GetQuantity())),
	)

	if err := validateUserID(req.GetUserId()); err != nil {
		return nil, err
	}
	if req.GetItem() == nil {
		return nil, status.Error(codes.InvalidArgument, "item is required")
	}
	if req.GetItem().GetQuantity() < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "quantity must not be negative, got %d", req.GetItem().GetQuantity())
	}
	if err := s.addLatency(ctx); err != nil {
		return nil, err
	}

	if err := s.store.AddItem(ctx, req.GetUserId(), req.GetItem().GetProductId(), req.GetItem().GetQuantity()); err != nil {
		return nil, storeError("AddItem", err)
	}
	return &pb.Empty{}, nil
}

// GetCart RPC implementation.
func (s *CartServiceServer) GetCart(ctx context.Context, req *pb.GetCartRequest) (_ *pb.Cart, err error) {
	ctx, span := s.tracer.Start(ctx, "GetCart")
	defer func() { s.finish(ctx, span, "GetCart", err) }()
	span.SetAttributes(attribute.String("app.user_id", req.GetUserId()))

	if err := validateUserID(req.GetUserId()); err != nil {
		return nil, err
	}
	if err := s.addLatency(ctx); err != nil {
		return nil, err
	}

	cart, err := s.store.GetCart(ctx, req.GetUserId())
	if err != nil {
		return nil, storeError("GetCart", err)
	}
	return cart, nil
}

// EmptyCart RPC implementation.
func (s *CartServiceServer) EmptyCart(ctx context.Context, req *pb.EmptyCartRequest) (_ *pb.Empty, err error) {
	ctx, span := s.tracer.Start(ctx, "EmptyCart")
	defer func() { s.finish(ctx, span, "EmptyCart", err) }()
	span.SetAttributes(attribute.String("app.user_id", req.GetUserId()))

	if err := validateUserID(req.GetUserId()); err != nil {
		return nil, err
	}
	if err := s.addLatency(ctx); err != nil {
		return nil, err
	}

	if err := s.store.EmptyCart(ctx, req.GetUserId()); err != nil {
		return nil, storeError("EmptyCart", err)
	}
	return &pb.Empty{}, nil
}

// addLatency blocks for the configured latency or until ctx is done.
func (s *CartServiceServer) addLatency(ctx context.Context) error {
	if s.latency <= 0 {
		return nil
	}

	t := time.NewTimer(s.latency)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
}

func (s *CartServiceServer) finish(ctx context.Context, span trace.Span, method string, err error) {
	code := status.Code(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()

	s.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("code", code.String()),
	))
}

func validateUserID(userID string) error {
	if userID == "" {
		return status.Error(codes.InvalidArgument, "user_id is required")
	}
	return nil
}

// storeError turns a store failure into a gRPC status. Errors that already
// carry a status keep it.
func storeError(op string, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Errorf(codes.Internal, "%s failed: %v", op, err)
}
