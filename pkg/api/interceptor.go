package api

import (
	"context"
	"strconv"
	"time"

	"github.com/cuemby/vim/pkg/log"
	"github.com/cuemby/vim/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the request id back to the caller
const RequestIDHeader = "X-Request-Id"

// instrument tags every request with an id, records the request metrics
// and logs the outcome
func instrument() gin.HandlerFunc {
	logger := log.WithComponent("api")
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(RequestIDHeader, id)

		timer := metrics.NewTimer()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(code)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, c.Request.Method)

		event := logger.Debug()
		if code >= 500 {
			event = logger.Warn()
		}
		event.Str("request_id", id).
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", code).
			Dur("duration", timer.Duration()).
			Msg("Request served")
	}
}

// loggingInterceptor logs gRPC calls at debug level
func loggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("RPC served")
		return resp, err
	}
}
