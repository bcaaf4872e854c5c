// Roomsyncd is the relay daemon.
//
// One listener serves the room relay (/{roomId}), key delivery
// (/api/rooms/{roomId}/key), the rendezvous used by peer mode (/signal),
// a health check and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/1ureka/roomsync/internal/config"
	"github.com/1ureka/roomsync/internal/relayserver"
	"github.com/1ureka/roomsync/internal/signaling"
	"github.com/1ureka/roomsync/internal/store"
	"github.com/1ureka/roomsync/internal/util"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := pflag.NewFlagSet("roomsyncd", pflag.ContinueOnError)
	config.ServerFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}

	cfg, err := config.LoadServer(fs)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if !util.SetLevel(cfg.LogLevel) {
		util.LogWarning("unknown log level %q, keeping info", cfg.LogLevel)
	}

	pterm.Info.Println("Roomsyncd v" + version)
	pterm.Println()

	if err := serve(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Server) error {
	opts := relayserver.Options{
		NoPersist: cfg.NoPersist,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		MaxSkew:   cfg.MaxSkew,
		Signal:    signaling.NewServer(),
	}

	// ---------------------------------------------------------------------------
	// Storage
	// ---------------------------------------------------------------------------

	if !cfg.NoPersist {
		var (
			st  *store.Store
			err error
		)
		if cfg.DataDir == "" {
			util.LogWarning("no --data directory, room keys and state are kept in memory")
			st, err = store.OpenInMemory()
		} else {
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return err
			}
			st, err = store.Open(cfg.DataDir)
		}
		if err != nil {
			return err
		}
		defer st.Close()
		opts.Store = st
	}

	if cfg.Redis != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis})
		defer rdb.Close()
		opts.Redis = rdb
		util.LogInfo("bridging rooms through redis at %s", cfg.Redis)
	}

	relay, err := relayserver.New(opts)
	if err != nil {
		return err
	}
	defer relay.Close()

	// ---------------------------------------------------------------------------
	// HTTP
	// ---------------------------------------------------------------------------

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           relay,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		util.LogSuccess("listening on %s", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	util.LogInfo("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked sockets are not tracked by Shutdown; relay.Close drops them.
	relay.Close()
	return srv.Shutdown(shutdownCtx)
}
