// Command permitclientd runs a standalone Client Limiter against a
// coordinatord, for manual testing and as a reference host integration
// (spec.md §4.1/§6). A real host embeds pkg/permits directly instead of
// shelling out to this daemon; this exists to exercise the wire protocol
// end to end without writing a throwaway host program each time.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ratelimiter/go/internal/clientlimiter"
	"github.com/ratelimiter/go/internal/config"
	"github.com/ratelimiter/go/internal/obs"
	"github.com/ratelimiter/go/internal/permitproto"
	"github.com/ratelimiter/go/pkg/clock"
	"github.com/ratelimiter/go/transport/httprpc"
)

func main() {
	configPath := flag.String("config", "", "path to client YAML config")
	coordinatorAddr := flag.String("coordinator", "", "override coordinator_addr from config")
	hold := flag.Duration("hold", 5*time.Second, "how long to hold one acquired permit before exiting")
	dev := flag.Bool("dev", false, "use development logging instead of production JSON logging")
	flag.Parse()

	var log obs.Logger
	if *dev {
		log = obs.NewDevelopment()
	} else {
		log = obs.New()
	}

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		log.Fatalf("permitclientd: loading config: %v", err)
	}
	if *coordinatorAddr != "" {
		cfg.CoordinatorAddr = *coordinatorAddr
	}

	self := permitproto.NewClientRef()
	caller := httprpc.NewCaller(cfg.CoordinatorAddr, log)

	limiter, err := clientlimiter.New(self, cfg.PermitsConfig(), clock.NewSystemClock(), log, caller)
	if err != nil {
		log.Fatalf("permitclientd: constructing limiter: %v", err)
	}
	caller.StartPolling(self, limiter)
	defer func() {
		_ = limiter.Close()
		_ = caller.Close()
	}()

	log.Infof("permitclientd: %s connecting to %s", self, cfg.CoordinatorAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	cancel := make(chan struct{})
	go func() {
		<-sigCh
		close(cancel)
	}()

	lease, err := limiter.AcquireAsync(context.Background(), 1, cancel)
	if err != nil {
		log.Warnf("permitclientd: acquire did not complete: %v", err)
		return
	}
	if !lease.Acquired() {
		log.Warnf("permitclientd: acquire failed: %s", lease.Reason())
		return
	}
	log.Infof("permitclientd: holding %d permit(s) for %s", lease.Count(), *hold)

	select {
	case <-time.After(*hold):
	case <-cancel:
	}
	lease.Dispose()
	log.Infof("permitclientd: released, exiting")
}
