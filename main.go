package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/norun9/cartservice/admin"
	"github.com/norun9/cartservice/cartstore"
	"github.com/norun9/cartservice/config"
	pb "github.com/norun9/cartservice/genproto"
	"github.com/norun9/cartservice/logging"
	"github.com/norun9/cartservice/services"
	"github.com/norun9/cartservice/telemetry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("cartservice stopped")
	}
	log.Info("cartservice stopped")
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, telemetry.TraceOptions{
		Enabled:  cfg.EnableTracing,
		Exporter: cfg.TracesExporter,
		Endpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize tracer provider")
	}
	defer flush(log, "tracer", shutdownTracer)

	shutdownMeter, err := telemetry.InitMeterProvider(ctx, cfg.EnableMetrics, cfg.OTLPEndpoint)
	if err != nil {
		return errors.Wrap(err, "failed to initialize meter provider")
	}
	defer flush(log, "meter", shutdownMeter)

	store, err := newStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore(log, store)

	if err := store.Initialize(ctx); err != nil {
		return errors.Wrap(err, "failed to initialize cart store")
	}
	if cfg.StoreBreakerEnabled {
		store = cartstore.NewBreakerCartStore(store, cartstore.DefaultBreakerSettings("cartstore"), log)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			services.RecoveryInterceptor(log),
			services.LoggingInterceptor(log),
		),
	)
	pb.RegisterCartServiceServer(grpcServer, services.NewCartServiceServer(store, cfg, log))
	healthpb.RegisterHealthServer(grpcServer, services.NewHealthCheckService(store, log))
	reflection.Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("CartService gRPC server is listening on %s", addr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Received shutdown signal, initiating graceful shutdown...")
		grpcServer.GracefulStop()
		return nil
	})

	if cfg.EnableAdmin {
		adminServer := admin.NewServer(cfg.AdminAddr, store, log)
		g.Go(func() error {
			log.Infof("Admin server is listening on %s", cfg.AdminAddr)
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "admin server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return adminServer.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// newStore picks the backend: Redis, then MongoDB, then in-memory.
func newStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (cartstore.ICartStore, error) {
	switch {
	case cfg.RedisAddr != "":
		log.Infof("Using RedisCartStore with address %s", cfg.RedisAddr)
		store, err := cartstore.NewRedisCartStore(cfg.RedisAddr, log)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create RedisCartStore")
		}
		return store, nil
	case cfg.MongoURI != "":
		log.Infof("Using MongoCartStore with database %s", cfg.MongoDBName)
		store, err := cartstore.NewMongoCartStore(ctx, cfg.MongoURI, cfg.MongoDBName, log)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create MongoCartStore")
		}
		return store, nil
	default:
		log.Info("No REDIS_ADDR or MONGO_URI set, using LocalCartStore")
		return cartstore.NewLocalCartStore(log), nil
	}
}

func closeStore(log logrus.FieldLogger, store io.Closer) {
	if err := store.Close(); err != nil {
		log.WithError(err).Warn("error closing cart store")
	}
}

func flush(log logrus.FieldLogger, name string, shutdown telemetry.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.WithError(err).Errorf("error shutting down %s provider", name)
	}
}
