package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"mqttd/internal/auth"
	"mqttd/internal/auth/sqlitebackend"
	"mqttd/internal/broker"
	"mqttd/internal/conn"
	"mqttd/internal/config"
	"mqttd/internal/domain"
	"mqttd/internal/mdns"
	"mqttd/internal/metrics"
	"mqttd/internal/module"
	"mqttd/internal/packet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	if err := run(cfg, logger); err != nil {
		logger.Error("broker terminated", "error", err)
		os.Exit(1)
	}
	logger.Info("broker stopped cleanly")
}

func run(cfg config.Config, logger *slog.Logger) error {
	domains, err := buildDomains(cfg, logger)
	if err != nil {
		return fmt.Errorf("build domains: %w", err)
	}
	dispatcher := domain.NewDispatcher(domains)

	reg, promReg := metrics.New()
	handlers := conn.Handlers{
		OnConnect: func(c *conn.Conn) {
			reg.Connections.Inc()
			logger.Info("client connected", "client_id", c.ClientID, "domain", domainName(c))
		},
		OnDisconnect: func(c *conn.Conn, err error) {
			reg.Connections.Dec()
			logger.Info("client disconnected", "client_id", c.ClientID, "domain", domainName(c))
		},
		OnPublish: func(c *conn.Conn, topic string, payload []byte, qos packet.QoS) {
			reg.PublishesIn.Inc()
		},
		OnSubscribe: func(c *conn.Conn, filters []string) {
			reg.Subscribes.Inc()
		},
		OnQuotaRejected: func(c *conn.Conn, topic string) {
			reg.QuotaRejected.WithLabelValues(domainName(c)).Inc()
		},
	}

	b := broker.New(broker.Config{
		Bind: cfg.Bind,
		Limits: conn.Limits{
			MaxPayloadSize:       cfg.MaxPayloadSize,
			RetransmitTimeout:    cfg.RetransmitTimeout,
			MaxRetries:           cfg.MaxRetries,
			KeepaliveGraceFactor: cfg.KeepaliveGraceFactor,
		},
	}, dispatcher, handlers, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	modules := module.NewRegistry()
	advertiser := mdns.New(logger)
	if _, portStr, splitErr := splitHostPort(cfg.Bind); splitErr == nil {
		if port, convErr := strconv.Atoi(portStr); convErr == nil {
			domainNames := make([]string, 0, len(domains))
			for _, d := range domains {
				domainNames = append(domainNames, d.Name)
			}
			if regErr := modules.Register(mdns.NewModule(advertiser, port, domainNames)); regErr != nil {
				logger.Warn("module registration failed", "error", regErr)
			}
		}
	}
	if err := modules.InitAll(ctx); err != nil {
		logger.Warn("module init failed", "error", err)
	}
	defer modules.CloseAll(context.Background())

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: metricsMux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return metricsSrv.Close()
	})
	g.Go(func() error {
		logger.Info("metrics server listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	if cfg.WSBind != "" {
		wsMux := http.NewServeMux()
		wsMux.HandleFunc("/mqtt", b.ServeWS)
		wsSrv := &http.Server{Addr: cfg.WSBind, Handler: wsMux}
		g.Go(func() error {
			<-gctx.Done()
			return wsSrv.Close()
		})
		g.Go(func() error {
			logger.Info("websocket listener listening", "addr", wsSrv.Addr)
			if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("websocket server: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func buildDomains(cfg config.Config, logger *slog.Logger) ([]*domain.Domain, error) {
	domains := make([]*domain.Domain, 0, len(cfg.Domains))
	for _, dc := range cfg.Domains {
		var backends []auth.Backend
		var paths []string
		if dc.UsersDB != "" {
			backends = append(backends, sqlitebackend.New())
			paths = append(paths, dc.UsersDB)
		} else {
			backends = append(backends, auth.Anonymous{})
			paths = append(paths, "")
		}

		d, err := domain.New(context.Background(), dc, backends, paths)
		if err != nil {
			return nil, err
		}
		logger.Info("domain configured", "name", dc.Name, "selector", dc.Selector, "active", dc.Active)
		domains = append(domains, d)
	}
	return domains, nil
}

func domainName(c *conn.Conn) string {
	if c.Domain == nil {
		return ""
	}
	return c.Domain.Name
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("no port in address %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

func logLevel(level string) slog.Leveler {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}
