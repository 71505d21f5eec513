package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"localspot-loyalty/internal/httpapi"
	"localspot-loyalty/pkg/config"
	"localspot-loyalty/pkg/db"
	"localspot-loyalty/pkg/health"
	"localspot-loyalty/pkg/logger"
	"localspot-loyalty/pkg/redis"
	"localspot-loyalty/pkg/sequence"
	"localspot-loyalty/pkg/server"
	"localspot-loyalty/pkg/task"
	"localspot-loyalty/pkg/token"
	"localspot-loyalty/pkg/walletpush"
	"localspot-loyalty/services/earn"
	"localspot-loyalty/services/insights"
	"localspot-loyalty/services/membership"
	"localspot-loyalty/services/notify"
	"localspot-loyalty/services/program"
	"localspot-loyalty/services/provisioning"
	"localspot-loyalty/services/redemption"
	"localspot-loyalty/services/walletsync"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		token.Module,
		walletpush.Module,
		task.Client,
		task.Server,
		fx.Provide(
			provideSnowflakeNode,
			provideTracerProvider,
			provideMeterProvider,
		),
		program.Module,
		provisioning.Module,
		membership.Module,
		earn.Module,
		redemption.Module,
		walletsync.Module,
		notify.Module,
		insights.Module,
		health.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func provideMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
