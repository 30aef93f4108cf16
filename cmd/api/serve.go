package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"collabhub/api/internal/app"
	"collabhub/api/internal/auth"
	"collabhub/api/internal/config"
	"collabhub/api/internal/filestore"
	"collabhub/api/internal/gitrepo"
	"collabhub/api/internal/ledger"
	"collabhub/api/internal/liveedit"
	"collabhub/api/internal/objectstore"
	"collabhub/api/internal/presence"
	"collabhub/api/internal/registry"
	"collabhub/api/internal/relay"
	"collabhub/api/internal/review"
	"collabhub/api/internal/search"
	"collabhub/api/internal/session"
	"collabhub/api/internal/store"
	"collabhub/api/internal/ws"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	cmd.Flags().StringVar(&cfg.Storage, "storage", cfg.Storage, "file storage backend: git, s3 or memory")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := store.Connect(ctx, cfg.DatabaseURL, cfg.MigrationsDir, cfg.AllowMultiplePending())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	deps := app.Deps{Projects: db}
	files, err := openFileStore(ctx, cfg, &deps)
	if err != nil {
		return err
	}
	deps.Files = files

	changes := ledger.New(db)
	deps.Changes = changes

	var fallback search.Searcher = search.NewScan(changes)
	if db.IsPostgres() {
		fallback = search.NewPgFTS(db.DB())
	}
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, fallback)
	if meiliClient != nil {
		if records, err := changes.List(ctx, "", "", ""); err != nil {
			log.Printf("search: list changes for reindex: %v", err)
		} else {
			searchService.Reindex(records)
		}
	}
	deps.Search = searchService

	ticketStore, closeTickets, err := openTicketStore(cfg)
	if err != nil {
		return err
	}
	defer closeTickets()
	tickets := session.NewTickets(ticketStore, cfg.TicketTTL)
	deps.Tickets = tickets
	deps.Issuer = auth.NewIssuer(cfg.JWTSecret, cfg.AccessTTL)
	deps.LoginDisabled = !cfg.DevLogin

	hub := relay.New(cfg.SubscriberBuffer)
	sessions := registry.New(presence.NewBroadcaster(hub))
	gate := review.New(changes, files, db, hub, searchService)
	deps.Registry = sessions
	deps.Relay = hub
	deps.Gate = gate

	realtime := ws.NewServer(ws.Options{
		ReadTimeout:     cfg.WSReadTimeout,
		WriteTimeout:    cfg.WSWriteTimeout,
		PingInterval:    cfg.WSPingInterval,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		SendBuffer:      cfg.SubscriberBuffer,
		AllowedOrigin:   cfg.CORSOrigin,
	}, ws.Deps{
		Tickets:  tickets,
		Access:   gate,
		Sessions: sessions,
		Relay:    hub,
		Edits:    liveedit.New(sessions, hub),
	})

	httpServer := app.NewHTTPServer(app.New(deps), cfg.CORSOrigin, realtime)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("collabhub API listening on %s (storage=%s)", cfg.Addr, cfg.Storage)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websockets are invisible to Shutdown.
	realtime.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}

// openFileStore picks the storage backend. Only the git backend keeps history.
func openFileStore(ctx context.Context, cfg config.Config, deps *app.Deps) (filestore.Store, error) {
	switch cfg.Storage {
	case config.StorageGit:
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			return nil, fmt.Errorf("create repos dir: %w", err)
		}
		repos := gitrepo.New(cfg.ReposDir)
		deps.History = repos
		return repos, nil
	case config.StorageS3:
		objects, err := objectstore.New(ctx, objectstore.Options{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("object storage: %w", err)
		}
		return objects, nil
	case config.StorageMemory:
		log.Printf("storage: using in-memory files; commits are lost on restart")
		return filestore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

func openTicketStore(cfg config.Config) (session.Store, func(), error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Printf("Using process memory for connect tickets")
		return session.NewMemoryStore(), func() {}, nil
	}
	log.Printf("Using Redis for connect tickets")
	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return redisStore, func() { _ = redisStore.Close() }, nil
}
