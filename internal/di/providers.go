package di

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	domrepo "TrapLine/internal/domain/repository"
	domserv "TrapLine/internal/domain/service"
	"TrapLine/internal/events"
	"TrapLine/internal/handler/api"
	mid "TrapLine/internal/middleware"
	"TrapLine/internal/registry"
	internalrepo "TrapLine/internal/repository"
	"TrapLine/internal/service/authority"
	"TrapLine/internal/service/binance"
	"TrapLine/internal/service/bybit"
	"TrapLine/internal/service/notify"
	"TrapLine/internal/service/ratelimit"
	"TrapLine/internal/services/anomaly"
	"TrapLine/internal/services/flow"
	"TrapLine/internal/services/structure"
	"TrapLine/internal/usecase"
	"TrapLine/pkg/cache"
	pkgch "TrapLine/pkg/clickhouse"
	"TrapLine/pkg/config"
	xhttp "TrapLine/pkg/http"
	pkgkafka "TrapLine/pkg/kafka"
	applogger "TrapLine/pkg/logger"
	"TrapLine/pkg/metrics"
	"TrapLine/pkg/queue"
	"TrapLine/pkg/server"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	level := cfg.Logger.Level
	if level == "" {
		level = "info"
	}
	format := cfg.Logger.Format
	if format == "" {
		format = "console"
		if cfg.Environment == "production" {
			format = "json"
		}
	}
	output := cfg.Logger.Output
	if output == "" {
		output = "stdout"
	}

	l, err := applogger.New(&applogger.Config{Level: level, Format: format, Output: output})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() domrepo.Metrics {
	return metrics.New()
}

// ProvideClickHouseClient creates a ClickHouse client. Returns nil when no
// host is configured; the journal sink is simply absent then.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if cfg.ClickHouse.Host == "" {
		return nil, nil
	}

	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.InitSchema(ctx, []string{
		"CREATE DATABASE IF NOT EXISTS " + cfg.ClickHouse.Database,
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return client, nil
}

// ProvideJournal creates the ClickHouse event journal and ensures its table.
func ProvideJournal(chClient *pkgch.Client, cfg *config.Config, l *applogger.Logger) (domrepo.Journal, error) {
	if chClient == nil {
		return nil, nil
	}

	table := cfg.ClickHouse.EventsTable
	if table == "" {
		table = "events"
	}

	j := internalrepo.NewClickHouseJournal(chClient, cfg.ClickHouse.Database+"."+table)
	j.SetLogger(l)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := j.Init(ctx); err != nil {
		return nil, fmt.Errorf("journal init: %w", err)
	}
	return j, nil
}

// ProvideKafkaProducer creates a Kafka producer. Nil when no brokers are
// configured.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil
	}

	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideEventPublisher forwards pipeline events to the Kafka stream.
func ProvideEventPublisher(producer *pkgkafka.Producer, cfg *config.Config) domrepo.EventPublisher {
	if producer == nil {
		return nil
	}
	return internalrepo.NewKafkaEventPublisher(producer, cfg.Kafka.EventsTopic)
}

// ProvideKafkaConsumer creates the budget feed consumer. Nil when the feed
// is not configured.
func ProvideKafkaConsumer(cfg *config.Config, l *applogger.Logger, m domrepo.Metrics) (*pkgkafka.Consumer, error) {
	if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.BudgetTopic == "" {
		return nil, nil
	}

	consumer, err := pkgkafka.NewConsumer(l,
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.HookFuncs{
		Err: func(_ context.Context, topic string, _ []byte, _ error) {
			m.RecordError("consume_" + topic)
		},
	})
	return consumer, nil
}

// ProvideRedisCache creates the shared Redis connection. Nil when Redis is
// disabled.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}

	host, port := splitHostPort(cfg.Redis.Addr)
	rc, err := cache.NewRedisCache(
		cache.WithRedisHost(host),
		cache.WithRedisPort(port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPrefix("trapline"),
	)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return rc, nil
}

// ProvideCacheService layers memory over Redis when available, falling back
// to memory alone.
func ProvideCacheService(redisCache *cache.RedisCache) cache.Service {
	if redisCache == nil {
		return cache.NewMemoryCache()
	}
	return cache.NewLayeredCache(redisCache)
}

// ProvideNotifyQueue creates the Redis-backed alert queue. Nil without Redis
// or a Telegram token; alerts then go out directly or not at all.
func ProvideNotifyQueue(cfg *config.Config, l *applogger.Logger, redisCache *cache.RedisCache) (*queue.RedisQueue, error) {
	if redisCache == nil || cfg.Telegram.Token == "" {
		return nil, nil
	}

	tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}

	q := queue.NewRedisQueue(
		l,
		&queue.Config{Workers: 1, RetryLimit: 3, RetryDelay: 5 * time.Second},
		redisCache.Client(),
		queue.WithKeyPrefix("trapline"),
	)
	q.RegisterJob(notify.NewJob(tg))
	return q, nil
}

// ProvideNotifier picks the alert delivery path: queued when the queue
// exists, direct Telegram otherwise, no-op without a token.
func ProvideNotifier(cfg *config.Config, q *queue.RedisQueue) (domserv.Notifier, error) {
	if q != nil {
		return notify.NewQueued(q), nil
	}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram bot: %w", err)
		}
		return tg, nil
	}
	return notify.NewNop(), nil
}

// ProvideRateLimiter creates the shared token bucket limiter.
func ProvideRateLimiter() *ratelimit.Limiter {
	return ratelimit.New()
}

// ProvideHTTPClient creates the outbound REST client.
func ProvideHTTPClient(cfg *config.Config) *xhttp.Client {
	timeout := cfg.Binance.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return xhttp.NewClient(xhttp.WithTimeout(timeout))
}

// ProvideBinanceClient creates the Binance futures REST client.
func ProvideBinanceClient(cfg *config.Config, httpClient *xhttp.Client, limiter *ratelimit.Limiter, cacheSvc cache.Service) *binance.Client {
	quote := cfg.Binance.Quote
	if quote == "" {
		quote = "USDT"
	}
	return binance.NewClient(cfg.Binance.RestURL, quote, httpClient, limiter, cacheSvc, cfg.Binance.RankTTL)
}

// ProvideMarketData exposes the REST client as the market data source.
func ProvideMarketData(client *binance.Client) domrepo.MarketData {
	return client
}

// ProvideDerivatives exposes the REST client as the derivatives source.
func ProvideDerivatives(client *binance.Client) domrepo.Derivatives {
	return client
}

// ProvideTradeStream creates the primary venue trade stream.
func ProvideTradeStream(cfg *config.Config) domrepo.TradeStream {
	return binance.NewStream(
		cfg.Binance.WebSocketURL,
		cfg.Binance.ReconnectDelay,
		cfg.Binance.PingInterval,
	)
}

// ProvideTickStream creates the secondary venue ticker stream. A disabled
// venue still yields a stream; its connect failure downgrades venue
// priority instead of failing startup.
func ProvideTickStream(cfg *config.Config) domrepo.TickStream {
	url := cfg.Bybit.WebSocketURL
	if !cfg.Bybit.Enabled {
		url = ""
	}
	return bybit.NewStream(url, cfg.Bybit.ReconnectDelay, cfg.Bybit.PingInterval)
}

// ProvideRegistry creates the shared tripwire registry.
func ProvideRegistry() *registry.Registry {
	return registry.New()
}

// ProvideBus creates the in-process event bus.
func ProvideBus(l *applogger.Logger) *events.Bus {
	return events.NewBus(l)
}

// ProvideFlowTracker creates the order flow tracker.
func ProvideFlowTracker() domserv.FlowTracker {
	return flow.NewTracker(flow.Config{})
}

// ProvideStructureAnalyzer creates the market structure analyzer.
func ProvideStructureAnalyzer() domserv.StructureAnalyzer {
	return structure.NewAnalyzer(structure.Config{})
}

// ProvideAnomalyDetectors assembles the generation cycle detectors.
func ProvideAnomalyDetectors(deriv domrepo.Derivatives, market domrepo.MarketData) []domserv.AnomalyDetector {
	return []domserv.AnomalyDetector{
		anomaly.NewOIWipeout(deriv, market, 0),
		anomaly.NewFundingSqueeze(deriv, market, 0),
		anomaly.NewBasisArb(deriv, 0),
	}
}

// ProvideSymbolRouter creates the per-symbol worker pool.
func ProvideSymbolRouter(m domrepo.Metrics, cfg *config.Config) *mid.SymbolRouter {
	var opts []mid.RouterOption
	if cfg.Pipeline.RouterShards > 0 {
		opts = append(opts, mid.WithShards(cfg.Pipeline.RouterShards))
	}
	return mid.NewSymbolRouter(m, opts...)
}

// ProvideAuthorityClient creates the execution authority WebSocket client.
// Nil when no endpoint is configured, which config validation only allows
// in ghost mode.
func ProvideAuthorityClient(cfg *config.Config) *authority.Client {
	if cfg.Authority.WebSocketURL == "" {
		return nil
	}
	return authority.NewClient(
		cfg.Authority.WebSocketURL,
		cfg.Authority.ReconnectDelay,
		cfg.Authority.PingInterval,
		cfg.Authority.AckTimeout,
	)
}

// ProvideExecutionAuthority exposes the WebSocket client as the dispatch
// transport.
func ProvideExecutionAuthority(client *authority.Client) domserv.ExecutionAuthority {
	if client == nil {
		return nil
	}
	return client
}

// ProvideFallback creates the single-shot HTTP dispatch fallback.
func ProvideFallback(cfg *config.Config, httpClient *xhttp.Client, l *applogger.Logger) domserv.FallbackDispatcher {
	if cfg.Authority.HTTPURL == "" {
		return nil
	}
	return authority.NewFallback(cfg.Authority.HTTPURL, httpClient, l)
}

// ProvideDispatcher creates the execution dispatcher.
func ProvideDispatcher(
	cfg *config.Config,
	reg *registry.Registry,
	flowTracker domserv.FlowTracker,
	auth domserv.ExecutionAuthority,
	fallback domserv.FallbackDispatcher,
	router *mid.SymbolRouter,
	bus *events.Bus,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.Dispatcher {
	d := usecase.NewDispatcher(
		usecase.DispatcherConfig{
			Phase:    cfg.Authority.Phase,
			Producer: cfg.Authority.Producer,
			Source:   cfg.Authority.Source,
		},
		reg,
		flowTracker,
		auth,
		fallback,
		router,
		bus,
		m,
		l,
	)
	d.SetEquity(cfg.Pipeline.Equity)
	if cfg.Pipeline.Ghost {
		d.SetGhostMode(true)
	}
	return d
}

// ProvideDetector creates the realtime trigger detector.
func ProvideDetector(
	reg *registry.Registry,
	flowTracker domserv.FlowTracker,
	router *mid.SymbolRouter,
	dispatcher *usecase.Dispatcher,
	bus *events.Bus,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.Detector {
	return usecase.NewDetector(usecase.DetectorConfig{}, reg, flowTracker, router, dispatcher, bus, m, l)
}

// ProvideMarketIngest creates the realtime feed owner. The subscription set
// starts empty; the first generation cycle populates it.
func ProvideMarketIngest(
	primary domrepo.TradeStream,
	secondary domrepo.TickStream,
	detector *usecase.Detector,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.MarketIngest {
	return usecase.NewMarketIngest(primary, secondary, detector, m, l, nil)
}

// ProvideSymbolSubscriber exposes the ingest as the generator's
// subscription target.
func ProvideSymbolSubscriber(mi *usecase.MarketIngest) domserv.SymbolSubscriber {
	return mi
}

// ProvideGenerator creates the periodic tripwire generator.
func ProvideGenerator(
	cfg *config.Config,
	market domrepo.MarketData,
	analyzer domserv.StructureAnalyzer,
	detectors []domserv.AnomalyDetector,
	subscriber domserv.SymbolSubscriber,
	reg *registry.Registry,
	bus *events.Bus,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.Generator {
	return usecase.NewGenerator(
		usecase.GeneratorConfig{
			Interval:       cfg.Pipeline.Generator.Interval,
			TopSymbols:     cfg.Pipeline.Generator.TopSymbols,
			CandleInterval: cfg.Pipeline.Generator.CandleInterval,
			CandleLimit:    cfg.Pipeline.Generator.CandleLimit,
		},
		market,
		analyzer,
		detectors,
		subscriber,
		reg,
		bus,
		m,
		l,
	)
}

// ProvideBudgetHandler registers the handler for the budget topic.
func ProvideBudgetHandler(cfg *config.Config, dispatcher *usecase.Dispatcher, bus *events.Bus, m domrepo.Metrics, l *applogger.Logger) *usecase.BudgetHandler {
	return usecase.NewBudgetHandler(cfg.Kafka.BudgetTopic, cfg.Authority.Phase, dispatcher, bus, m, l)
}

// ProvideRelay creates the bus-to-sinks relay.
func ProvideRelay(
	cfg *config.Config,
	bus *events.Bus,
	journal domrepo.Journal,
	pub domrepo.EventPublisher,
	notifier domserv.Notifier,
	m domrepo.Metrics,
	l *applogger.Logger,
) *events.Relay {
	return events.NewRelay(bus, journal, pub, notifier, m, l, cfg.Pipeline.Relay.FlushInterval, cfg.Pipeline.Relay.BatchSize)
}

// ProvideOpsHandler creates the HTTP ops surface with its health probes.
func ProvideOpsHandler(
	l *applogger.Logger,
	reg *registry.Registry,
	dispatcher *usecase.Dispatcher,
	journal domrepo.Journal,
	cacheSvc cache.Service,
	ingest *usecase.MarketIngest,
) *api.OpsHandler {
	h := api.NewOpsHandler(l, reg, dispatcher, journal)
	h.SetCache(cacheSvc)

	probes := []api.Probe{{
		Name: "primary_stream",
		Check: func(ctx context.Context) error {
			if !ingest.IsConnected() {
				return fmt.Errorf("disconnected")
			}
			return nil
		},
	}}
	if journal != nil {
		probes = append(probes, api.Probe{Name: "clickhouse", Check: journal.Health})
	}
	h.SetProbes(probes...)
	return h
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	generator *usecase.Generator,
	ingest *usecase.MarketIngest,
	budget *usecase.BudgetHandler,
	consumer *pkgkafka.Consumer,
	authClient *authority.Client,
	router *mid.SymbolRouter,
	relay *events.Relay,
	bus *events.Bus,
	notifyQueue *queue.RedisQueue,
	cacheSvc cache.Service,
	redisCache *cache.RedisCache,
	producer *pkgkafka.Producer,
	chClient *pkgch.Client,
	handler *api.OpsHandler,
) *server.App {
	if producer != nil && cfg.Kafka.LogsTopic != "" {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   30 * time.Second,
			CountThreshold: 100,
			Topic:          cfg.Kafka.LogsTopic,
			Publisher:      internalrepo.NewLogShipper(producer),
		})
	}
	return server.New(cfg, l, generator, ingest, budget, consumer, authClient, router, relay, bus, notifyQueue, cacheSvc, redisCache, producer, chClient, handler)
}

func splitHostPort(addr string) (string, int) {
	host, port := addr, 6379
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
		if p, err := strconv.Atoi(addr[i+1:]); err == nil {
			port = p
		}
	}
	if host == "" {
		host = "localhost"
	}
	return host, port
}
