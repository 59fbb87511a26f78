//go:build wireinject
// +build wireinject

package di

import (
	"TrapLine/pkg/config"
	"TrapLine/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,
		ProvideRedisCache,
		ProvideCacheService,
		ProvideRateLimiter,
		ProvideHTTPClient,

		// Sinks
		ProvideJournal,
		ProvideEventPublisher,
		ProvideNotifyQueue,
		ProvideNotifier,

		// Market data
		ProvideBinanceClient,
		ProvideMarketData,
		ProvideDerivatives,
		ProvideTradeStream,
		ProvideTickStream,

		// Pipeline core
		ProvideRegistry,
		ProvideBus,
		ProvideFlowTracker,
		ProvideStructureAnalyzer,
		ProvideAnomalyDetectors,
		ProvideSymbolRouter,

		// Dispatch transport
		ProvideAuthorityClient,
		ProvideExecutionAuthority,
		ProvideFallback,

		// Use cases
		ProvideDispatcher,
		ProvideDetector,
		ProvideMarketIngest,
		ProvideSymbolSubscriber,
		ProvideGenerator,
		ProvideBudgetHandler,
		ProvideRelay,

		// HTTP surface
		ProvideOpsHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
