// Package main runs the no-loss lottery service.
//
// In local mode the yield pool lives in memory and randomness comes from a
// seeded dev oracle. In chain mode deposits go to Aave v3 on Sepolia and draws
// request Chainlink VRF v2.5 words; the VRF relay posts fulfilments to
// /v1/randomness/fulfill as the coordinator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/R3E-Network/nolosslottery/internal/chain"
	"github.com/R3E-Network/nolosslottery/internal/config"
	"github.com/R3E-Network/nolosslottery/internal/events"
	"github.com/R3E-Network/nolosslottery/internal/httpapi"
	"github.com/R3E-Network/nolosslottery/internal/ledger"
	"github.com/R3E-Network/nolosslottery/internal/middleware"
	"github.com/R3E-Network/nolosslottery/internal/randomness"
	"github.com/R3E-Network/nolosslottery/internal/yieldvault"
	"github.com/R3E-Network/nolosslottery/pkg/logger"
	"github.com/R3E-Network/nolosslottery/services/lottery"
	"github.com/R3E-Network/nolosslottery/services/lottery/postgres"
	"github.com/R3E-Network/nolosslottery/services/lottery/redisbus"
)

func main() {
	configPath := flag.String("config", os.Getenv("LOTTERY_CONFIG"), "path to YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()

	bootLog := logger.NewDefault("lottery")
	if err := config.LoadDotEnv(*envFile); err != nil {
		bootLog.WithError(err).Fatal("failed to load env file")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.WithError(err).Fatal("invalid configuration")
	}

	log := logger.New(logger.Config{Component: "lottery", Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("lottery service failed")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	subID, err := cfg.Chain.SubscriptionIDValue()
	if err != nil {
		return err
	}
	coordinator := common.HexToAddress(cfg.Chain.Coordinator)

	var (
		pool      yieldvault.Pool
		oracle    randomness.Oracle
		devOracle *randomness.DevOracle
	)
	switch cfg.Mode {
	case config.ModeChain:
		client, err := chain.Dial(ctx, chain.Config{
			RPCURL:     cfg.Chain.RPCURL,
			ChainID:    cfg.Chain.ChainID,
			PrivateKey: cfg.Chain.PrivateKey,
			Timeout:    cfg.Chain.TxTimeout,
		}, log.Named("chain"))
		if err != nil {
			return err
		}
		aave := chain.NewAaveGateway(client, chain.AaveConfig{
			Gateway:      common.HexToAddress(cfg.Chain.Gateway),
			Pool:         common.HexToAddress(cfg.Chain.Pool),
			AToken:       common.HexToAddress(cfg.Chain.AToken),
			DataProvider: common.HexToAddress(cfg.Chain.DataProvider),
			WETH:         common.HexToAddress(cfg.Chain.WETH),
		})
		if err := aave.Verify(ctx); err != nil {
			return err
		}
		pool = aave
		oracle = chain.NewVRFCoordinator(client, chain.VRFConfig{
			Coordinator:          coordinator,
			RequestConfirmations: cfg.Chain.RequestConfirmations,
			CallbackGasLimit:     cfg.Chain.CallbackGasLimit,
		})
		log.WithField("account", client.From().Hex()).
			WithField("chain_id", cfg.Chain.ChainID).
			Info("chain mode enabled")
	default:
		pool = yieldvault.NewMemoryPool()
		devOracle = randomness.NewDevOracle([]byte(cfg.Dev.Seed), coordinator, cfg.Dev.FulfillDelay, log.Named("dev-oracle"))
		oracle = devOracle
		log.WithField("fulfill_delay", cfg.Dev.FulfillDelay.String()).Info("local mode enabled")
	}

	policy, err := lottery.ParsePolicy(cfg.Lottery.Policy)
	if err != nil {
		return err
	}
	gateway := randomness.NewGateway(oracle, randomness.Config{
		Coordinator:    coordinator,
		SubscriptionID: subID,
		KeyHash:        cfg.Chain.KeyHashValue(),
		Timeout:        cfg.Lottery.DrawTimeout,
	}, log.Named("randomness"))

	var store *postgres.Store
	if cfg.Postgres.DSN != "" {
		store, err = postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.WithError(err).Warn("failed to close postgres")
			}
		}()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	vault := yieldvault.NewAdapter(pool, log.Named("yieldvault"))
	book, err := restoreLedger(ctx, store, vault, log)
	if err != nil {
		return err
	}

	ctrl := lottery.New(lottery.Config{
		Owner:        cfg.Lottery.OwnerAddress(),
		Policy:       policy,
		AutoOpen:     cfg.Lottery.AutoOpen,
		HistoryLimit: cfg.Lottery.HistoryLimit,
	}, book, vault, gateway, log.Named("controller"))

	sinks, closeSinks, err := openSinks(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	defer closeSinks()
	ctrl.WithSink(sinks)

	if devOracle != nil {
		devOracle.Start(ctx, ctrl)
		defer devOracle.Wait()
		logOwnerToken(log, []byte(cfg.Server.JWTSecret), ctrl.Owner())
	}

	scheduler := lottery.NewScheduler(ctrl, cfg.Lottery.DrawSchedule, cfg.Lottery.SweepInterval, log.Named("scheduler"))
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	apiCfg := httpapi.Config{
		JWTSecret: []byte(cfg.Server.JWTSecret),
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	}
	if store != nil {
		apiCfg.History = store
	}
	api := httpapi.NewServer(ctrl, apiCfg, log.Named("http"))
	go api.RunLimiterCleanup(ctx, 10*time.Minute)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// logOwnerToken issues a day-long owner token for local use. The token is a
// credential, so it is only written at debug level.
func logOwnerToken(log *logger.Logger, secret []byte, owner common.Address) {
	token, err := middleware.IssueToken(secret, owner, 24*time.Hour)
	if err != nil {
		log.WithError(err).Warn("could not issue local owner token")
		return
	}
	log.WithField("owner", owner.Hex()).WithField("token", token).Debug("issued local owner token")
}

// restoreLedger rebuilds principal from the postgres projection. Without a
// store the ledger starts empty, which only local mode allows.
func restoreLedger(ctx context.Context, store *postgres.Store, vault *yieldvault.Adapter, log *logger.Logger) (*ledger.Ledger, error) {
	book := ledger.New()
	if store == nil {
		return book, nil
	}
	entries, err := store.NetPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("load principal: %w", err)
	}
	if err := book.Restore(entries); err != nil {
		return nil, err
	}

	total := book.TotalPrincipal()
	entry := log.WithField("depositors", book.DepositorCount()).WithField("total_principal", total.Dec())
	value, err := vault.CurrentPositionValue(ctx)
	switch {
	case err != nil:
		entry.WithError(err).Warn("ledger restored, position value unavailable")
	case value.Lt(total):
		entry.WithField("position_value", value.Dec()).Error("ledger restored, position is below recorded principal")
	default:
		entry.WithField("position_value", value.Dec()).Info("ledger restored")
	}
	return book, nil
}

// openSinks builds the event fan-out: the log always, Redis and Postgres when configured.
func openSinks(ctx context.Context, cfg *config.Config, store *postgres.Store, log *logger.Logger) (events.Sink, func(), error) {
	sinks := events.MultiSink{events.LogSink{Log: log.Named("events")}}
	var closers []func() error

	if store != nil {
		sinks = append(sinks, store)
		log.Info("postgres event projection enabled")
	}

	if cfg.Redis.Addr != "" {
		bus, err := redisbus.New(ctx, redisbus.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, bus)
		closers = append(closers, bus.Close)
		log.WithField("channel", bus.Channel()).Info("redis event bus enabled")
	}

	return sinks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.WithError(err).Warn("failed to close event sink")
			}
		}
	}, nil
}
