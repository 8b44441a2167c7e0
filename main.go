package main

import (
	"net/http"
	"os"
	"time"

	"github.com/fiffu/archivist/app"
	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib"
	"github.com/fiffu/archivist/lib/dispatcher"
	"github.com/fiffu/archivist/lib/executor"
	"github.com/fiffu/archivist/lib/governor"
	"github.com/fiffu/archivist/lib/jobstore"
	"github.com/fiffu/archivist/lib/metrics"
	"github.com/fiffu/archivist/lib/poller"
	"github.com/fiffu/archivist/lib/providers"
	"github.com/fiffu/archivist/lib/scheduler"
	"github.com/fiffu/archivist/lib/sweeper"
	"github.com/fiffu/archivist/senders"
	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger() (*zap.Logger, error) {
	switch os.Getenv("ENVIRONMENT") {
	default:
		return zap.NewDevelopment()

	case "production":
		logCfg := zap.NewProductionConfig()
		logCfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			t = t.UTC()
			zapcore.ISO8601TimeEncoder(t, enc)
		}
		return logCfg.Build()
	}
}

func NewPrometheusRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func main() {
	fx.New(
		fx.Provide(config.NewConfig),
		fx.Provide(NewLogger),
		fx.Provide(fx.Annotate(
			NewPrometheusRegistry,
			fx.As(new(prometheus.Registerer), new(prometheus.Gatherer)),
		)),
		fx.Provide(fx.Annotate(metrics.NewCollector, fx.As(new(metrics.Recorder)))),

		fx.Provide(app.NewInstanceLock),
		fx.Provide(app.NewDatabase),
		fx.Provide(app.NewTransport),

		fx.Provide(senders.NewSenderRegistry),
		fx.Provide(fx.Annotate(senders.NewNotifier, fx.As(new(poller.Notifier)))),
		fx.Provide(providers.NewProviderRegistry),

		fx.Provide(jobstore.NewStore),
		fx.Provide(executor.NewExecutor),
		fx.Provide(governor.NewGovernor),
		fx.Provide(dispatcher.NewFileStorage),
		fx.Provide(dispatcher.NewDownloader),
		fx.Provide(dispatcher.NewChecksummer),
		fx.Provide(poller.NewPoller),
		fx.Provide(sweeper.NewSweeper),
		fx.Provide(scheduler.NewScheduler),
		fx.Provide(lib.NewService),
		fx.Provide(app.NewAPI),

		// The instance lock must be held before the scheduler reconciles store-held locks.
		fx.Invoke(func(*flock.Flock) {}),
		fx.Invoke(func(*http.Server) {}),
	).Run()
}
