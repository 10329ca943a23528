package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/delegate-collector/cmd/server"
	"github.com/delegate-collector/pkg/apicall"
	"github.com/delegate-collector/pkg/artifact"
	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/config"
	"github.com/delegate-collector/pkg/fetch"
	"github.com/delegate-collector/pkg/logger"
	"github.com/delegate-collector/pkg/metrics"
	"github.com/delegate-collector/pkg/pool"
	"github.com/delegate-collector/pkg/provider"
	"github.com/delegate-collector/pkg/secrets"
	"github.com/delegate-collector/pkg/signal"
	"github.com/delegate-collector/pkg/sink"
	"github.com/delegate-collector/pkg/task"
	"github.com/delegate-collector/pkg/util"
)

const shutdownTimeout = 5 * time.Second

// Run wires the collection host from cfg, runs the job in jobPath and blocks until it completes or a
// shutdown signal cancels it.
func Run(parent context.Context, cfg *config.Config, jobPath string) (task.Result, error) {
	if parent == nil {
		parent = context.Background()
	}
	log, err := logger.InitLogger(&cfg.Log)
	if err != nil {
		return task.Result{}, fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	util.PrintBanner(os.Stdout, "delegate-collector", "cyan")
	logger.SetDefaultComponent("main")
	logger.Info("log initialization successful",
		zap.String("path", cfg.Log.Path), zap.String("level", cfg.Log.Level), zap.String("format", cfg.Log.Format))

	job, err := collector.LoadJob(jobPath)
	if err != nil {
		return task.Result{}, err
	}
	logger.Info("job loaded",
		zap.String("path", jobPath),
		zap.String("provider", job.Provider),
		zap.String("state_execution_id", job.StateExecutionID),
		zap.Int("hosts", len(job.Hosts)),
		zap.Int("minutes", job.CollectionMinutes))

	registry, collectorMetrics := metrics.InitRegistry(true)

	pools := pool.NewSet(cfg.Collection)
	defer pools.Stop()

	client, err := newClient(cfg.Collection)
	if err != nil {
		return task.Result{}, err
	}
	artifacts := artifact.New(cfg.Collection.ArtifactTTL)
	defer artifacts.Flush()

	p, err := provider.New(job.Provider, provider.Env{Client: client, Artifacts: artifacts, Clock: clockwork.NewRealClock()})
	if err != nil {
		return task.Result{}, err
	}

	metricSink, closeSink, err := newSink(cfg.Sink)
	if err != nil {
		return task.Result{}, err
	}
	defer closeSink()

	ctx, cancel := signal.NotifyContext(parent, log)
	defer cancel()

	host := &collector.Host{
		Deps: collector.Deps{
			Decrypter:      secrets.NewRefDecrypter(),
			Sink:           metricSink,
			Client:         client,
			Fetch:          fetch.NewExecutor(pools.Fetch, fetch.WithCeiling(cfg.Collection.FetchTimeout)),
			Metrics:        collectorMetrics,
			SaveRetrySleep: cfg.Collection.SaveRetrySleep,
		},
		TickPool:   pools.Tick,
		Retries:    cfg.Collection.Retries,
		RetrySleep: cfg.Collection.RetrySleep,
	}
	state := newHealth(job)
	host.OnStart = func(r task.Result) {
		state.started(r)
		logger.Info("collection running", zap.String("task_id", r.TaskID))
	}
	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	var g errgroup.Group
	if cfg.Server.Enable {
		srv := server.NewHTTPServer(cfg.Server, logger.Named("http"), registry,
			server.WithHealth(state.check), server.WithStatus(state.snapshot))
		if err := srv.Start(); err != nil {
			return task.Result{}, err
		}
		g.Go(func() error {
			return signal.WaitForShutdown(srvCtx, log, shutdownTimeout, srv.Shutdown)
		})
	}

	var res task.Result
	g.Go(func() error {
		defer stopServer()
		res = host.Run(ctx, job, p)
		state.set(res)
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}

	logger.Info("collection result",
		zap.String("status", string(res.Status)),
		zap.Bool("cancelled", res.Cancelled),
		zap.String("error", res.ErrorMessage))
	return res, nil
}

// newClient builds the shared provider client. The cookie jar keeps search job sessions (Sumo) on
// the node that created them.
func newClient(cfg config.CollectionConfig) (*apicall.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	hc := &http.Client{Timeout: cfg.HTTPTimeout, Jar: jar}

	var audit apicall.Logger = apicall.NewZapLogger(logger.Named("apicall"))
	if cfg.DisableAuditLog {
		audit = apicall.Nop{}
	}
	return apicall.NewClient(hc, audit, cfg.RequestsPerSec), nil
}

func newSink(cfg config.SinkConfig) (sink.MetricSink, func(), error) {
	switch cfg.Type {
	case "log":
		return sink.NewLog(logger.Named("sink")), func() {}, nil
	default:
		s, err := sink.NewSQLite(cfg.DBPath, logger.Named("sink"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("close sqlite sink", zap.Error(err))
			}
		}, nil
	}
}
