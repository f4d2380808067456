// Command coordinatord runs the singleton permit Coordinator described in
// spec.md §4.2, serving its RPC surface over HTTP.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ratelimiter/go/internal/config"
	"github.com/ratelimiter/go/internal/coordinator"
	"github.com/ratelimiter/go/internal/obs"
	"github.com/ratelimiter/go/pkg/clock"
	"github.com/ratelimiter/go/transport/httprpc"
)

func main() {
	configPath := flag.String("config", "", "path to coordinator YAML config")
	listenAddr := flag.String("listen", "", "override listen_addr from config")
	dev := flag.Bool("dev", false, "use development logging instead of production JSON logging")
	flag.Parse()

	var log obs.Logger
	if *dev {
		log = obs.NewDevelopment()
	} else {
		log = obs.New()
	}

	cfg, err := config.LoadCoordinator(*configPath)
	if err != nil {
		log.Fatalf("coordinatord: loading config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	coord, err := coordinator.New(cfg.PermitsConfig(), clock.NewSystemClock(), log, nil)
	if err != nil {
		log.Fatalf("coordinatord: constructing coordinator: %v", err)
	}
	defer coord.Close()

	server := httprpc.NewServer(coord, log)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("coordinatord: listening on %s (N=%d T=%d Q=%d I=%s R=%s)",
			cfg.ListenAddr, cfg.GlobalPermitCount, cfg.TargetPermitsPerClient,
			cfg.QueueLimit, cfg.IdleClientTimeout, cfg.ClientLeaseRefreshInterval)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("coordinatord: serve failed: %v", err)
		}
	case sig := <-sigCh:
		log.Infof("coordinatord: received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Warnf("coordinatord: graceful shutdown failed: %v", err)
		}
	}
}
