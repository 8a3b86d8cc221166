package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/birdwatch-im/birdwatch/internal/cache"
	"github.com/birdwatch-im/birdwatch/internal/chirp"
	"github.com/birdwatch-im/birdwatch/internal/commands"
	"github.com/birdwatch-im/birdwatch/internal/config"
	"github.com/birdwatch-im/birdwatch/internal/directory"
	"github.com/birdwatch-im/birdwatch/internal/directory/pg"
	"github.com/birdwatch-im/birdwatch/internal/routing"
	"github.com/birdwatch-im/birdwatch/internal/scheduler"
	"github.com/birdwatch-im/birdwatch/internal/telemetry"
	"github.com/birdwatch-im/birdwatch/internal/tracker"
	"github.com/birdwatch-im/birdwatch/internal/wire"
)

const (
	pollTick       = time.Minute
	reconnectDelay = 5 * time.Second
)

func runServe() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	telemetry.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Storage: Postgres in managed mode, in-process otherwise.
	var (
		dir    directory.Directory
		tracks directory.TrackStore
	)
	if cfg.Database.Mode == "managed" {
		stores, err := pg.NewStores(cfg.Database.PostgresDSN)
		if err != nil {
			slog.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer stores.Close()
		dir = stores.Users
		tracks = stores.Tracks
		slog.Info("storage ready", "mode", "managed")
	} else {
		mem := directory.NewMemory()
		dir = mem
		tracks = mem
		slog.Info("storage ready", "mode", "standalone")
	}

	// Claim-once cache: shared via NATS when configured.
	var claims cache.Claimer
	if cfg.Cache.NATSURL != "" {
		kv, err := cache.OpenNatsKV(cache.NatsKVConfig{
			URL:    cfg.Cache.NATSURL,
			Bucket: cfg.Cache.Bucket,
			Name:   "birdwatch",
			TTL:    24 * time.Hour,
		})
		if err != nil {
			slog.Error("nats cache unavailable", "error", err)
			os.Exit(1)
		}
		defer kv.Close()
		claims = kv
		slog.Info("claim cache ready", "backend", "nats", "bucket", cfg.Cache.Bucket)
	} else {
		claims = cache.NewMemory()
		slog.Info("claim cache ready", "backend", "memory")
	}

	sched := scheduler.New(cfg.Chirp.InitialBudget)
	chirpClient := chirp.New(cfg.Chirp.BaseURL, cfg.Chirp.UserAgent, cfg.Chirp.RequestsPerMinute)

	table := routing.NewTable(sched)
	cmdSet := routing.NewCommandSet(commands.All(commands.Deps{
		Dir:     dir,
		Tracks:  tracks,
		Chirp:   chirpClient,
		Version: Version,
	}))
	router := routing.NewRouter(table, dir, cmdSet)
	presence := routing.NewPresenceTracker(table, dir, sched, cfg.XMPP.Admins)

	// The API reports its remaining budget on every response; feed it back
	// so the scheduler can pause polling and the status line can say so.
	chirpClient.OnRateLimit = func(remaining int) {
		was := sched.AvailableRequests()
		sched.SetAvailableRequests(remaining)
		if (was <= 0) != (remaining <= 0) {
			presence.UpdatePresence(ctx)
		}
	}

	trk := tracker.New(tracks, chirpClient, router, sched,
		time.Duration(cfg.Chirp.WatchFreqMinutes)*time.Minute,
		cfg.Chirp.ProfileBaseURL)
	go sched.Run(ctx, pollTick, trk)

	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, cfg.Metrics.Addr)
	}

	// One long-lived goroutine per bot identity, preferred first.
	go runConnection(ctx, cfg.XMPP.Server, cfg.XMPP.JID, true, claims, table, router, presence)
	for _, jid := range cfg.XMPP.SecondaryJIDs {
		go runConnection(ctx, cfg.XMPP.Server, jid, false, claims, table, router, presence)
	}

	slog.Info("birdwatch running", "version", Version, "jid", cfg.XMPP.JID,
		"secondaries", len(cfg.XMPP.SecondaryJIDs))

	<-sigCh
	slog.Info("shutting down")
	cancel()
	// Give the connection pumps a moment to send stream closes.
	time.Sleep(500 * time.Millisecond)
}

// runConnection dials, registers and pumps one bot identity, reconnecting
// with a fixed delay until the context ends.
func runConnection(ctx context.Context, wsURL, jid string, preferred bool, claims cache.Claimer,
	table *routing.Table, router *routing.Router, presence *routing.PresenceTracker) {

	identity := wire.Bare(jid)
	for ctx.Err() == nil {
		client, err := wire.Dial(ctx, wsURL, jid, nil)
		if err != nil {
			slog.Error("dial failed", "jid", jid, "error", err)
			sleepCtx(ctx, reconnectDelay)
			continue
		}
		client.Start(ctx)

		conn := routing.NewConnection(client, identity, preferred, claims)
		if err := table.Register(conn); err != nil {
			slog.Error("register failed", "jid", jid, "error", err)
			client.Stop()
			sleepCtx(ctx, reconnectDelay)
			continue
		}
		presence.HandleConnected(ctx, conn)

		pump(ctx, client, conn, router, presence)

		table.Unregister(identity)
		client.Stop()
		sleepCtx(ctx, reconnectDelay)
	}
}

// pump consumes one connection's inbound stanzas until the stream closes or
// the context ends. Running it on a single goroutine keeps per-connection
// ordering.
func pump(ctx context.Context, client *wire.Client, conn *routing.Connection,
	router *routing.Router, presence *routing.PresenceTracker) {

	for {
		select {
		case m := <-client.Messages():
			router.HandleMessage(ctx, conn, m)
		case p := <-client.Presences():
			presence.HandlePresence(ctx, conn, p)
		case err := <-client.Errors():
			slog.Warn("stanza error", "conn", conn.Identity(), "error", err)
		case info := <-client.Closed():
			presence.HandleClosed(conn.Identity(), info)
			return
		case <-ctx.Done():
			return
		}
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
