package services

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const requestIDKey = "x-request-id"

type requestIDCtxKey struct{}

// RequestIDFromContext returns the id assigned by LoggingInterceptor, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey{}).(string)
	return id
}

// RecoveryInterceptor turns a handler panic into an Internal error.
func RecoveryInterceptor(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithFields(logrus.Fields{
					"method": info.FullMethod,
					"panic":  rec,
					"stack":  string(debug.Stack()),
				}).Error("panic recovered")
				err = status.Error(codes.Internal, "an internal error occurred")
			}
		}()
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs every call with its duration and status code.
// The request id is taken from x-request-id metadata or generated, and echoed
// back in the response header.
func LoggingInterceptor(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()

		var requestID string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(requestIDKey); len(v) > 0 {
				requestID = v[0]
			}
		}
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx = context.WithValue(ctx, requestIDCtxKey{}, requestID)
		if err := grpc.SetHeader(ctx, metadata.Pairs(requestIDKey, requestID)); err != nil {
			log.WithError(err).Debug("failed to set request id header")
		}

		resp, err := handler(ctx, req)

		code := status.Code(err)
		entry := log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     info.FullMethod,
			"code":       code.String(),
			"duration":   time.Since(start).String(),
		})
		switch code {
		case codes.OK:
			entry.Info("request served")
		case codes.Internal, codes.Unknown, codes.Unavailable:
			entry.WithError(err).Error("request failed")
		default:
			entry.WithError(err).Warn("request failed")
		}
		return resp, err
	}
}
