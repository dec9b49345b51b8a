package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matchbook/internal/breaker"
	"matchbook/internal/config"
	"matchbook/internal/engine"
	"matchbook/internal/feed"
	"matchbook/internal/ledger"
	"matchbook/internal/net"
	"matchbook/internal/ratelimit"
	"matchbook/internal/server"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	wallets, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := wallets.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close ledger")
		}
	}()

	// Setup the matching engine and everything that consumes its output.
	eng := engine.New(engine.Config{QueueSize: cfg.QueueSize})

	settler := ledger.NewSettler(wallets, newBreaker("settlement", cfg), cfg.SettleQueue)
	eng.AddReporter(settler)

	if len(cfg.KafkaBrokers) > 0 {
		publisher := feed.NewKafka(feed.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), newBreaker("kafka", cfg))
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Error().Err(err).Msg("unable to close kafka writer")
			}
		}()
		eng.AddReporter(publisher)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing executions")
	}

	var httpServer *http.Server
	if cfg.FeedAddr != "" {
		ws := feed.NewWebSocket(eng)
		eng.AddReporter(ws)
		httpServer = &http.Server{
			Addr:              cfg.FeedAddr,
			Handler:           ws.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	limiter, err := newLimiter(ctx, cfg)
	if err != nil {
		return err
	}

	// Setup the TCP server.
	srv := net.New(eng, net.Options{
		Address: cfg.Address,
		Port:    cfg.Port,
		Workers: cfg.Workers,
		Limiter: limiter,
		Wallets: wallets,
	})
	eng.AddReporter(srv)

	t, ctx := tomb.WithContext(ctx)
	t.Go(func() error { return eng.Run(t) })
	t.Go(func() error { return settler.Run(t) })
	t.Go(func() error { return srv.Run(ctx) })

	if cfg.DebugPort != 0 {
		debug := server.NewServer(uint32(cfg.ServerID), cfg.Address, uint16(cfg.DebugPort), eng, srv)
		t.Go(func() error { return debug.Run(ctx) })
	}

	if httpServer != nil {
		t.Go(func() error {
			log.Info().Str("address", httpServer.Addr).Msg("market data feed running")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		t.Go(func() error {
			<-t.Dying()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	<-t.Dying()
	err = t.Wait()
	log.Info().
		Uint64("settled", settler.Settled()).
		Uint64("failed", settler.Failed()).
		Uint64("rejected", settler.Rejected()).
		Msg("settlement totals")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openLedger(cfg config.Config) (*ledger.Service, error) {
	var store ledger.Store = ledger.NewMemoryStore()
	if cfg.LedgerDir != "" {
		pebbleStore, err := ledger.OpenPebble(cfg.LedgerDir, nil)
		if err != nil {
			return nil, err
		}
		store = pebbleStore
	}
	return ledger.Open(store)
}

func newLimiter(ctx context.Context, cfg config.Config) (ratelimit.Limiter, error) {
	if cfg.RateCapacity == 0 {
		return nil, nil
	}
	limits := ratelimit.Config{Capacity: cfg.RateCapacity, RefillPerSec: cfg.RateRefill}
	if cfg.RedisAddr == "" {
		return ratelimit.NewLocal(limits), nil
	}

	limiter := ratelimit.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), limits, "matchbook:ratelimit:")
	if !limiter.IsHealthy(ctx) {
		return nil, fmt.Errorf("redis unavailable at %s", cfg.RedisAddr)
	}
	return limiter, nil
}

func newBreaker(name string, cfg config.Config) *breaker.Breaker {
	return breaker.New(breaker.Config{
		Name:             name,
		FailureThreshold: uint32(cfg.BreakerThreshold),
		OpenTimeout:      cfg.BreakerCooldown,
	})
}
