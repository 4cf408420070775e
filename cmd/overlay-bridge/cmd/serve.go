package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"overlay-bridge/internal/config"
	"overlay-bridge/internal/conn"
	"overlay-bridge/internal/events"
	"overlay-bridge/internal/httpapi"
	"overlay-bridge/internal/hub"
	"overlay-bridge/internal/mqtt"
	"overlay-bridge/internal/observability"
	"overlay-bridge/internal/proto/bizhawk"
	"overlay-bridge/internal/proto/obs"
	"overlay-bridge/internal/realtime"
	"overlay-bridge/internal/store"
	"overlay-bridge/internal/supervisor"
)

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configFile)
		},
	}
}

func runServe(ctx context.Context, configFile string) error {
	config.LoadEnvFiles()
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}
	setupLogger(cfg.LogFormat, cfg.LogLevel)
	slog.Info("config loaded", "listen", cfg.ListenAddr(), "bizhawk", cfg.BizHawkEnabled, "obs", cfg.OBSEnabled)

	shutdown, promHandler, tracer, err := observability.SetupObservability(serviceName, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("observability init failed", "error", err)
		return err
	}
	defer shutdown()

	h := hub.New(cfg.HubBuffer)
	tracker := conn.NewTracker(h)

	// The consumer port is the only bind failure that stops the bridge.
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.ListenAddr())
	if err != nil {
		err = fmt.Errorf("%w: bind %s: %v", events.ErrConnection, cfg.ListenAddr(), err)
		slog.Error("gateway bind failed", "error", err)
		return err
	}

	sup := supervisor.New(ctx, h)

	gateway := realtime.NewGateway(cfg.GatewayClientBuffer)
	gatewaySub := h.Subscribe("gateway")
	sup.GoCritical("gateway-fanout", func(ctx context.Context) error {
		defer gatewaySub.Close()
		return gateway.Run(ctx, gatewaySub)
	})

	var state httpapi.StateReader
	if cache := setupStateCache(cfg); cache != nil {
		defer func() { _ = cache.Close() }()
		state = cache
		sub := h.Subscribe("state")
		sup.Go("state", func(ctx context.Context) error {
			defer sub.Close()
			return cache.Record(ctx, sub)
		})
	}

	if mc := setupMQTT(cfg); mc != nil {
		mirror := mqtt.NewMirror(mc, cfg.MQTTTopicPrefix)
		sub := h.Subscribe("mqtt")
		sup.Go("mqtt", func(ctx context.Context) error {
			defer mc.Close()
			defer sub.Close()
			return mirror.Run(ctx, sub)
		})
	}

	srv := &http.Server{
		Handler: httpapi.New(httpapi.Deps{
			ServiceName: serviceName,
			Sources:     tracker,
			State:       state,
			Gateway:     gateway,
			Metrics:     promHandler,
			Tracer:      tracer,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	sup.GoCritical("http", func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()
		slog.Info("consumer gateway listening", "addr", ln.Addr().String())
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				slog.Error("graceful shutdown failed", "error", err)
			}
			return nil
		}
	})

	if cfg.BizHawkEnabled {
		l := bizhawk.NewListener(cfg.BizHawkAddr, cfg.BizHawkMaxFrame, tracker)
		sup.Go(events.SourceBizHawk, l.Run)
	}
	if cfg.OBSEnabled {
		a := obs.NewAdapter(obs.Config{
			Host:            cfg.OBSHost,
			Port:            cfg.OBSPort,
			Password:        cfg.OBSPassword,
			MicrophoneInput: cfg.OBSMicrophoneInput,
			StatusInterval:  cfg.OBSStatusInterval,
			RefreshInputs:   cfg.OBSRefreshInputs,
			RefreshProperty: cfg.OBSRefreshProperty,
			Reconnect:       cfg.OBSReconnect,
			ReconnectMax:    cfg.OBSReconnectMax,
			RequestTimeout:  cfg.OBSRequestTimeout,
		}, tracker)
		sup.Go(events.SourceOBS, a.Run)
	}

	<-sup.Context().Done()
	slog.Info("shutting down")
	err = sup.Wait()
	if err != nil {
		slog.Error("bridge stopped", "error", err)
		return err
	}
	slog.Info("bridge stopped")
	return nil
}

// setupStateCache returns nil when no redis is configured or it is unreachable; the cache
// is optional and never blocks startup.
func setupStateCache(cfg *config.Config) *store.StateCache {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		slog.Error("redis unavailable, state cache disabled", "addr", cfg.RedisAddr, "error", err)
		_ = rdb.Close()
		return nil
	}
	slog.Info("state cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.StateTTL)
	return store.NewStateCache(rdb, cfg.StateTTL)
}

func setupMQTT(cfg *config.Config) *mqtt.Client {
	if cfg.MQTTBrokerURL == "" {
		return nil
	}
	mc, err := mqtt.New(cfg.MQTTBrokerURL, "")
	if err != nil {
		slog.Error("mqtt unavailable, mirror disabled", "error", err)
		return nil
	}
	return mc
}
