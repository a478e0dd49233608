package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consensus-trader/internal/api"
	"consensus-trader/internal/bus"
	"consensus-trader/internal/consensus"
	"consensus-trader/internal/execution"
	"consensus-trader/internal/executor"
	"consensus-trader/internal/gate"
	"consensus-trader/internal/llm"
	"consensus-trader/internal/metrics"
	"consensus-trader/internal/model"
	"consensus-trader/internal/pipeline"
	"consensus-trader/internal/server"
	"consensus-trader/internal/service"
	"consensus-trader/internal/storage"
	"consensus-trader/internal/strategy"
	"consensus-trader/internal/stream"
	"consensus-trader/internal/timing"

	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 30 * time.Second
	queueCapacity   = 1024
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the streaming, decision and execution pipeline",
	Long: `Verify the account, subscribe to the permitted market data streams and run
decision cycles until interrupted. Paper mode with simulate=true never sends
orders to the broker.

Examples:
  trader run
  trader run --config ./config/config.yaml`,
	Args: cobra.NoArgs,
	RunE: runTrader,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// app 进程内全部组件
type app struct {
	cfg    *service.Config
	creds  api.Credentials
	rest   *api.RESTClient
	gate   *gate.Gate
	logger *zap.Logger

	bus      *bus.Bus
	metrics  *metrics.Recorder
	redis    *storage.RedisStore
	ch       *storage.ClickhouseSink
	journal  storage.Journal
	producer *storage.Producer

	stream    *stream.Engine
	coord     *execution.Coordinator
	consensus *consensus.Engine
	pipeline  *pipeline.Pipeline
	timing    *timing.Controller
	server    *server.Server
}

func runTrader(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}
	service.InitLogger(cfg.Log.Level, cfg.Log.Development)
	defer func() { _ = service.Logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Profiling.Enabled {
		profiler, err := startProfiler(cfg.Profiling, cfg.Mode)
		if err != nil {
			return err
		}
		defer func() { _ = profiler.Stop() }()
	}

	a := &app{
		cfg:    cfg,
		creds:  api.Credentials{KeyID: cfg.Broker.KeyID, SecretKey: cfg.Broker.SecretKey},
		logger: service.Named("main"),
	}
	a.logger.Info("Starting trader", zap.String("mode", cfg.Mode), zap.Bool("simulate", cfg.Execution.Simulate))

	capability, err := a.verify(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.build(ctx, capability); err != nil {
		return err
	}

	loader.Watch(func(next *service.Config) {
		if err := a.consensus.UpdatePolicy(next.Consensus); err != nil {
			a.logger.Warn("Consensus policy update rejected", zap.Error(err))
			return
		}
		a.logger.Info("Consensus policy updated", zap.Float64("threshold", next.Consensus.Threshold), zap.Float64("ai_weight", next.Consensus.AIWeight))
	})

	err = a.run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := a.coord.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("In-flight orders did not settle before shutdown", zap.Error(serr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Trader stopped with error", zap.Error(err))
		return err
	}
	a.logger.Info("Trader stopped")
	return nil
}

func startProfiler(cfg service.ProfilingConfig, mode string) (*pyroscope.Profiler, error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Tags:            map[string]string{"mode": mode},
		Logger:          service.Named("pyroscope").Sugar(),
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pyroscope start failed: %w", err)
	}
	return profiler, nil
}

// verify 账户校验失败时进程不继续
func (a *app) verify(ctx context.Context) (*model.AccountCapability, error) {
	a.rest = api.NewRESTClient(a.cfg.Broker.RESTURL, a.creds, a.cfg.Broker.Timeout)
	a.gate = gate.NewGate(a.rest)
	capability, err := a.gate.Verify(ctx, a.creds)
	if err != nil {
		a.logger.Error("Account verification failed", zap.Error(err))
		return nil, err
	}
	return capability, nil
}

// build 按依赖顺序构建组件；可选的外部存储只在启用时连接
func (a *app) build(ctx context.Context, capability *model.AccountCapability) error {
	cfg := a.cfg
	a.bus = bus.New()
	a.metrics = metrics.New()

	allowed, denied := gate.FilterStreams(capability, cfg.Streams, gate.FilterOptions{
		Live:             cfg.IsLive(),
		AdvancedLiveOnly: cfg.Features.AdvancedLiveOnly,
	})
	for _, d := range denied {
		a.logger.Warn("Stream denied", zap.String("category", string(d.Category)), zap.String("reason", d.Reason))
	}
	if len(allowed) == 0 {
		return fmt.Errorf("%w: no requested stream is permitted for this account", service.ErrConfig)
	}

	var sinks storage.MultiSink
	if cfg.Redis.Enabled {
		r, err := storage.NewRedisStore(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redis = r
		sinks = append(sinks, r)
	}
	if cfg.Clickhouse.Enabled {
		ch, err := storage.NewClickhouseSink(ctx, cfg.Clickhouse)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.ch = ch
		sinks = append(sinks, ch)
	}
	var sink stream.SnapshotSink
	if len(sinks) > 0 {
		sink = sinks
	}

	a.stream = stream.NewEngine(cfg.Stream, a.creds, capability.RecommendedFeed, stream.Deps{
		Sink:    sink,
		Bus:     a.bus,
		Metrics: a.metrics,
	})
	if err := a.stream.Start(allowed, cfg.Symbols); err != nil {
		return err
	}

	if cfg.Journal.Enabled {
		j, err := storage.OpenJournal(cfg.Journal)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		a.journal = j
	}
	if cfg.Kafka.Enabled {
		p, err := storage.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		a.producer = p
	}

	var broker executor.Broker
	if cfg.Execution.Simulate {
		broker = executor.NewSimulatorExecutor(executor.SimulatorConfig{InitialCapital: cfg.Execution.InitialCash}, executor.PriceFunc(a.latestPrice))
	} else {
		broker = executor.NewAlpacaBroker(a.rest)
	}
	deps := execution.Deps{Bus: a.bus, Metrics: a.metrics, Marks: a.latestPrice}
	if a.journal != nil {
		deps.Journal = a.journal
	}
	a.coord = execution.NewCoordinator(cfg.Execution, broker, capability, deps)
	if err := a.coord.SeedPositions(ctx); err != nil {
		a.logger.Warn("Position seeding failed, starting from configured cash", zap.Error(err))
	}

	signals := strategy.NewSignalGenerator(cfg.Strategy, strategy.NewStateMachine(cfg.Strategy))
	var provider consensus.Provider
	if len(cfg.Consensus.Models) > 0 {
		provider = llm.NewClient(cfg.LLM)
	}
	engine, err := consensus.NewEngine(cfg.Consensus, cfg.Strategy, consensus.Deps{
		Provider: provider,
		Signals:  signals,
		Breakers: llm.NewBreakerSet(cfg.Consensus.Breaker),
		Metrics:  a.metrics,
	})
	if err != nil {
		return err
	}
	a.consensus = engine

	a.timing = timing.NewController(cfg.Timing, cfg.IsLive())
	a.pipeline = pipeline.New(cfg.Pipeline, pipeline.Deps{
		Snapshots: a.stream.Store(),
		Decider:   a.consensus,
		Trader:    a.coord,
		Timing:    a.timing,
		Bus:       a.bus,
		Metrics:   a.metrics,
	})

	if cfg.Server.Enabled {
		a.server = server.New(server.NewHandler(a.sources(), service.Named("server")),
			server.WithAddress(cfg.Server.Host, cfg.Server.Port),
			server.WithGatherer(prometheus.DefaultGatherer),
		)
	}
	return nil
}

func (a *app) sources() server.Sources {
	src := server.Sources{
		Mode:          a.cfg.Mode,
		Timing:        a.timing,
		Consensus:     a.consensus,
		Execution:     a.coord,
		Subscriptions: a.stream,
		Snapshots:     a.stream.Store(),
		Cycles:        a.pipeline,
		Checks:        map[string]server.Check{},
	}
	if a.journal != nil {
		src.Journal = a.journal
	}
	if a.redis != nil {
		src.Checks["redis"] = a.redis.Health
	}
	if a.ch != nil {
		src.Checks["clickhouse"] = a.ch.Health
	}
	return src
}

// latestPrice 按 stocks、crypto、options 顺序查找最新价格
func (a *app) latestPrice(symbol string) (float64, bool) {
	store := a.stream.Store()
	for _, cat := range []model.Category{model.CategoryStocks, model.CategoryCrypto, model.CategoryOptions} {
		if s := store.Latest(cat, symbol); s != nil && s.Last > 0 {
			return s.Last, true
		}
	}
	return 0, false
}

// run 所有长期任务共用一个 pool，任一返回错误即全部取消
func (a *app) run(ctx context.Context) error {
	// 订阅必须在行情开始之前完成
	trades := a.bus.Subscribe("execution", queueCapacity, bus.EventTradeUpdate)
	var journalQ, redisQ, kafkaQ *bus.Queue
	if a.journal != nil {
		journalQ = a.bus.Subscribe("journal", queueCapacity, bus.EventDecision, bus.EventOrder)
	}
	if a.redis != nil {
		redisQ = a.bus.Subscribe("redis", queueCapacity, bus.EventDecision)
	}
	var bridge *storage.Bridge
	if a.producer != nil {
		codec, err := storage.NewCodec(a.cfg.Kafka.Codec)
		if err != nil {
			return err
		}
		bridge = storage.NewBridge(a.producer, codec, a.cfg.Kafka.TopicPrefix)
		kafkaQ = a.bus.Subscribe("kafka", queueCapacity*4)
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()

	p.Go(func(ctx context.Context) error {
		err := a.stream.Run(ctx)
		var authErr *service.AuthError
		if errors.As(err, &authErr) {
			return a.reverify(ctx, err)
		}
		return err
	})
	p.Go(func(ctx context.Context) error {
		trades.Run(ctx, func(e bus.Event) {
			if u, ok := e.Payload.(*model.TradeUpdate); ok {
				a.coord.HandleTradeUpdate(ctx, u)
			}
		})
		return nil
	})
	p.Go(func(ctx context.Context) error {
		err := a.pipeline.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if journalQ != nil {
		w := storage.NewJournalWriter(a.journal)
		p.Go(func(ctx context.Context) error {
			w.Run(ctx, journalQ)
			return nil
		})
	}
	if redisQ != nil {
		p.Go(func(ctx context.Context) error {
			redisQ.Run(ctx, func(e bus.Event) {
				if d, ok := e.Payload.(*model.ConsensusDecision); ok {
					if err := a.redis.SaveDecision(ctx, d); err != nil {
						a.logger.Warn("Decision cache write failed", zap.String("symbol", d.Symbol), zap.Error(err))
					}
				}
			})
			return nil
		})
	}
	if bridge != nil {
		p.Go(func(ctx context.Context) error {
			bridge.Run(ctx, kafkaQ)
			return nil
		})
	}
	if a.ch != nil {
		p.Go(func(ctx context.Context) error {
			a.ch.Run(ctx)
			return nil
		})
	}
	if a.server != nil {
		p.Go(func(ctx context.Context) error { return a.server.Run(ctx) })
	}

	return p.Wait()
}

// reverify 行情认证失败后重新校验账户，更新能力描述后仍然退出
func (a *app) reverify(ctx context.Context, cause error) error {
	a.logger.Error("Stream authentication failed, re-verifying account", zap.Error(cause))
	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	capability, err := a.gate.Verify(vctx, a.creds)
	if err != nil {
		return err
	}
	a.coord.SetCapability(capability)
	return cause
}

func (a *app) close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("Journal close failed", zap.Error(err))
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("Kafka producer close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
}
