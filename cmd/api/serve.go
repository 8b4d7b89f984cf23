package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/molpadia/molpadrive/internal/app"
	"github.com/molpadia/molpadrive/internal/auth"
	"github.com/molpadia/molpadrive/internal/config"
	"github.com/molpadia/molpadrive/internal/domain/entity"
	"github.com/molpadia/molpadrive/internal/gateway"
	"github.com/molpadia/molpadrive/internal/gc"
	"github.com/molpadia/molpadrive/internal/metrics"
	"github.com/molpadia/molpadrive/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	publicURL string
	devUser   string
	devRole   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the upload API and the resumable transfer gateway",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&publicURL, "public-url", "", "URL clients reach this server at, used for dev mode part uploads (default: http://localhost<addr>)")
	serveCmd.Flags().StringVar(&devUser, "dev-user", "dev", "owner id of the profile seeded in dev mode")
	serveCmd.Flags().StringVar(&devRole, "dev-role", string(entity.RoleAdmin), "role of the profile seeded in dev mode")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(config.Load)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if publicURL == "" {
		publicURL = "http://localhost" + cfg.Addr
		if !strings.HasPrefix(cfg.Addr, ":") {
			publicURL = "http://" + cfg.Addr
		}
	}
	be, err := newBackend(cfg, publicURL)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	coordinator := session.New(be.sessions, be.profiles, be.objects,
		session.WithGrantTTL(cfg.Upload.GrantTTL),
		session.WithLogger(log),
		session.WithMetrics(m),
	)
	collector := gc.New(be.sessions, be.objects, gc.WithLogger(log), gc.WithMetrics(m))
	gw := gateway.New(be.objects, be.profiles,
		gateway.WithLogger(log),
		gateway.WithMetrics(m),
		gateway.WithLimits(cfg.Gateway.MaxChunkSize, cfg.Gateway.MaxUploadSize),
	)

	r := mux.NewRouter()
	if be.local != nil {
		be.local.Register(r)
		if err := seedDevProfile(ctx, be, verifier, cfg.Upload.DefaultStorageLimit, log); err != nil {
			return err
		}
	}
	app.SetupRoutes(r, app.Services{
		Coordinator:    coordinator,
		Collector:      collector,
		Gateway:        gw,
		Verifier:       verifier,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Gatherer:       reg,
		Ready:          be.ready,
		Log:            log,
	})

	if cfg.GC.Interval > 0 {
		go collector.Run(ctx, cfg.GC.Interval, cfg.GC.MaxAge)
	}

	srv := &http.Server{
		Handler:           r,
		Addr:              cfg.Addr,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":            cfg.Addr,
			"dev":             cfg.Dev,
			"max_upload_size": humanize.IBytes(uint64(cfg.Gateway.MaxUploadSize)),
		}).Info("the server started")
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			errc <- srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			errc <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Save the dev profile and log a token for it.
func seedDevProfile(ctx context.Context, be *backend, verifier *auth.Verifier, limit int64, log logrus.FieldLogger) error {
	p := &entity.Profile{OwnerID: devUser, Role: entity.Role(devRole), StorageLimit: limit}
	if err := be.profiles.Save(ctx, p); err != nil {
		return err
	}
	token, err := verifier.Issue(devUser, 24*time.Hour)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"owner_id":      p.OwnerID,
		"role":          p.Role,
		"storage_limit": humanize.IBytes(uint64(limit)),
		"token":         token,
	}).Warn("dev mode: profile seeded, stores are in memory")
	return nil
}
