package server

import (
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mesaclub/mesa-server/internal/app/domain/crossings"
	"github.com/mesaclub/mesa-server/internal/app/observability/metrics"
	"github.com/mesaclub/mesa-server/internal/pkg/config"
	"github.com/mesaclub/mesa-server/internal/pkg/middleware"
	"github.com/mesaclub/mesa-server/internal/routes"
)

// SetupRouter builds the Gin engine with middleware and routes. The returned
// worker is non-nil in queue mode and must be run by the caller.
func SetupRouter(dbPool *pgxpool.Pool, cfg *config.Config, logger *zap.Logger) (*gin.Engine, *crossings.Worker, error) {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(ginzap.GinzapWithConfig(logger, &ginzap.Config{
		UTC:        true,
		TimeFormat: time.RFC3339,
		Context:    zapContextFunc(),
	}))
	r.Use(ginzap.RecoveryWithZap(logger, true))
	r.Use(otelgin.Middleware("mesa-server"))
	r.Use(middleware.RequestMetricsMiddleware(metrics.Get()))
	r.Use(middleware.CORSMiddleware())
	r.Use(middleware.SecurityMiddleware())

	_, worker, err := routes.Setup(r, dbPool, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	return r, worker, nil
}

// zapContextFunc returns the Zap context function for request logging
func zapContextFunc() ginzap.Fn {
	return func(c *gin.Context) []zapcore.Field {
		fields := []zapcore.Field{}

		if requestID := c.Writer.Header().Get("X-Request-Id"); requestID != "" {
			fields = append(fields, zap.String("request_id", requestID))
		}

		if span := trace.SpanFromContext(c.Request.Context()); span.SpanContext().IsValid() {
			fields = append(fields,
				zap.String("trace_id", span.SpanContext().TraceID().String()),
				zap.String("span_id", span.SpanContext().SpanID().String()),
			)
		}

		return fields
	}
}
