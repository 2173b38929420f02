package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dalbodeule/hop-dtls/internal/admin"
	"github.com/dalbodeule/hop-dtls/internal/config"
	"github.com/dalbodeule/hop-dtls/internal/dtls"
	"github.com/dalbodeule/hop-dtls/internal/logging"
	"github.com/dalbodeule/hop-dtls/internal/observability"
	"github.com/dalbodeule/hop-dtls/internal/store"
)

type serverFlags struct {
	configPath  string
	listen      string
	adminListen string
	suffix      string
	logLevel    string
	debug       bool
}

func main() {
	var flags serverFlags

	root := &cobra.Command{
		Use:          "hop-dtls-server",
		Short:        "DTLS echo server with admin API and metrics",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}
	root.Flags().StringVarP(&flags.configPath, "config", "c", "", "TOML config file")
	root.Flags().StringVar(&flags.listen, "listen", "", "DTLS UDP listen address (overrides config)")
	root.Flags().StringVar(&flags.adminListen, "admin-listen", "", "admin/metrics HTTP listen address (overrides config)")
	root.Flags().StringVar(&flags.suffix, "suffix", "", "suffix appended by the echo handler (overrides config)")
	root.Flags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.Flags().BoolVar(&flags.debug, "debug", false, "debug mode (self-signed certificate in certificate mode)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, flags serverFlags) error {
	// 1. 설정 로드 (TOML + .env + 환경변수), CLI 인자가 최우선
	cfg, err := config.LoadServerConfig(flags.configPath)
	if err != nil {
		return err
	}
	if flags.listen != "" {
		cfg.Listen = flags.listen
	}
	if flags.adminListen != "" {
		cfg.Admin.Listen = flags.adminListen
	}
	if flags.suffix != "" {
		cfg.ResponseSuffix = flags.suffix
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug = flags.debug
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, err := logging.NewJSONLogger("server", level)
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	logger.Info("hop-dtls server starting", logging.Fields{
		"listen":       cfg.Listen,
		"mode":         cfg.Mode,
		"admin_listen": cfg.Admin.Listen,
		"debug":        cfg.Debug,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. PSK 저장소 준비 (DB 가 있으면 PostgreSQL, 없으면 메모리)
	creds, pskStore, closeStore, err := openCredentials(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to prepare psk store", logging.Fields{"error": err.Error()})
		return err
	}
	defer closeStore()

	dcfg, err := cfg.BuildDTLS(pskStore, logger)
	if err != nil {
		logger.Error("invalid dtls configuration", logging.Fields{"error": err.Error()})
		return err
	}
	if cfg.Mode == config.ModeCertificate && cfg.CertFile == "" {
		logger.Warn("using self-signed localhost certificate for DTLS (debug mode)", logging.Fields{
			"note": "do not use this in production",
		})
	}

	// 3. DTLS 서버 생성 및 echo 핸들러 등록
	observability.MustRegister(nil)

	srv, err := dtls.NewServer(dcfg, dtls.ServerOptions{Addr: cfg.Listen, Logger: logger})
	if err != nil {
		logger.Error("failed to start dtls server", logging.Fields{"error": err.Error()})
		return err
	}
	defer srv.Close()

	if err := srv.Listen(echoHandler(srv, cfg.ResponseSuffix)); err != nil {
		return err
	}

	// 4. 관리 API + /metrics
	var httpSrv *http.Server
	if cfg.Admin.Listen != "" {
		mux := http.NewServeMux()
		admin.NewHandler(logger, cfg.Admin.APIKey, srv, creds).RegisterRoutes(mux)
		mux.Handle("/metrics", promhttp.Handler())

		httpSrv = admin.NewHTTPServer(cfg.Admin.Listen, mux)
		go func() {
			logger.Info("admin http server listening", logging.Fields{"addr": cfg.Admin.Listen})
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin http server failed", logging.Fields{"error": err.Error()})
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down", logging.Fields{"sessions": srv.NumberOfSessions()})

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// openCredentials 는 설정에 따라 PSK 저장소를 엽니다.
// 인증서 모드에서는 관리 API 의 PSK 엔드포인트를 비활성화하기 위해 creds 가 nil 입니다.
func openCredentials(ctx context.Context, logger logging.Logger, cfg *config.ServerConfig) (admin.CredentialService, dtls.PSKStore, func(), error) {
	noop := func() {}
	if cfg.Mode != config.ModePSK {
		return nil, nil, noop, nil
	}

	if cfg.Database.DSN != "" {
		dbCfg, err := store.ConfigFromEnv(cfg.Database.DSN)
		if err != nil {
			return nil, nil, noop, err
		}
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		drv, err := store.OpenPostgres(openCtx, logger, dbCfg)
		if err != nil {
			return nil, nil, noop, err
		}
		s := store.NewPSKStore(logger, drv)
		return s, s, closeDB(logger, drv), nil
	}

	keys, err := cfg.StaticPSKKeys()
	if err != nil {
		return nil, nil, noop, err
	}
	s := dtls.NewMemoryPSKStore(logger, keys)
	logger.Info("using in-memory psk store", logging.Fields{"identities": len(keys)})
	return s, s, noop, nil
}

func closeDB(logger logging.Logger, drv *entsql.Driver) func() {
	return func() {
		if err := drv.Close(); err != nil {
			logger.Warn("failed to close database", logging.Fields{"error": err.Error()})
		}
	}
}

// echoHandler 는 받은 payload 에 suffix 를 붙여 같은 피어에게 돌려보냅니다.
func echoHandler(srv *dtls.Server, suffix string) dtls.Handler {
	return dtls.HandlerFunc(func(peer net.Addr, payload []byte) error {
		resp := make([]byte, 0, len(payload)+len(suffix))
		resp = append(resp, payload...)
		resp = append(resp, suffix...)
		if err := srv.Send(resp, peer); err != nil {
			return fmt.Errorf("echo to %s: %w", peer, err)
		}
		return nil
	})
}
