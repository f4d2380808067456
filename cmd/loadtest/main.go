// Command loadtest drives many simulated clients against a coordinator —
// either a real coordinatord over HTTP or an in-process one — and reports
// the total acquire attempts, successes, and cancelled waits at the end of
// the run. It is the in-domain
// replacement for the teacher's cross-language benchmarks/ tool: same
// "hammer the limiter and report numbers" job, now scoped to this
// protocol's RPCs instead of algorithm throughput.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"

	"github.com/ratelimiter/go/internal/clientlimiter"
	"github.com/ratelimiter/go/internal/coordinator"
	"github.com/ratelimiter/go/internal/obs"
	"github.com/ratelimiter/go/internal/permitproto"
	"github.com/ratelimiter/go/pkg/clock"
	"github.com/ratelimiter/go/pkg/permits"
	"github.com/ratelimiter/go/transport/httprpc"
	"github.com/ratelimiter/go/transport/inproc"
)

func main() {
	app := &cli.App{
		Name:  "loadtest",
		Usage: "drive simulated clients against a permit coordinator",
		Commands: []*cli.Command{
			runCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run a fixed-duration load test",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "coordinator", Usage: "coordinator base URL; empty runs an in-process coordinator"},
			&cli.IntFlag{Name: "clients", Value: 10, Usage: "number of simulated client processes"},
			&cli.IntFlag{Name: "global-permits", Value: 100},
			&cli.IntFlag{Name: "target-per-client", Value: 20},
			&cli.IntFlag{Name: "queue-limit", Value: 200},
			&cli.DurationFlag{Name: "idle-timeout", Value: 60 * time.Second},
			&cli.DurationFlag{Name: "refresh-interval", Value: 30 * time.Second},
			&cli.DurationFlag{Name: "duration", Value: 10 * time.Second},
			&cli.IntFlag{Name: "workers-per-client", Value: 4, Usage: "concurrent acquire/hold/release loops per simulated client"},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg := permits.Config{
		GlobalPermitCount:          c.Int("global-permits"),
		TargetPermitsPerClient:     c.Int("target-per-client"),
		QueueLimit:                 c.Int("queue-limit"),
		IdleClientTimeout:          c.Duration("idle-timeout"),
		ClientLeaseRefreshInterval: c.Duration("refresh-interval"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := obs.NewDevelopment()
	numClients := c.Int("clients")
	numWorkers := c.Int("workers-per-client")
	duration := c.Duration("duration")

	limiters, cleanup, err := buildLimiters(c.String("coordinator"), numClients, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	var (
		attempts  atomic.Int64
		successes atomic.Int64
		cancels   atomic.Int64
		wg        sync.WaitGroup
	)

	stopCh := make(chan struct{})
	time.AfterFunc(duration, func() { close(stopCh) })

	for _, l := range limiters {
		for w := 0; w < numWorkers; w++ {
			wg.Add(1)
			go func(l permits.Limiter) {
				defer wg.Done()
				rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
				for {
					select {
					case <-stopCh:
						return
					default:
					}
					attempts.Inc()
					lease, err := l.AcquireAsync(context.Background(), 1, stopCh)
					if err != nil {
						cancels.Inc()
						return
					}
					if !lease.Acquired() {
						continue
					}
					successes.Inc()
					time.Sleep(time.Duration(rnd.Intn(20)) * time.Millisecond)
					lease.Dispose()
				}
			}(l)
		}
	}

	wg.Wait()
	fmt.Printf("attempts=%d successes=%d cancelled=%d clients=%d workers_per_client=%d duration=%s\n",
		attempts.Load(), successes.Load(), cancels.Load(), numClients, numWorkers, duration)
	return nil
}

// buildLimiters constructs numClients ClientLimiters either against a real
// coordinatord (coordinatorAddr != "") or an in-process coordinator
// (coordinatorAddr == ""), returning a cleanup func that tears everything
// down in the right order.
func buildLimiters(coordinatorAddr string, numClients int, cfg permits.Config, log obs.Logger) ([]permits.Limiter, func(), error) {
	limiters := make([]permits.Limiter, 0, numClients)

	if coordinatorAddr != "" {
		var closers []func() error
		for i := 0; i < numClients; i++ {
			self := permitproto.NewClientRef()
			caller := httprpc.NewCaller(coordinatorAddr, log)
			l, err := clientlimiter.New(self, cfg, clock.NewSystemClock(), log, caller)
			if err != nil {
				return nil, nil, err
			}
			caller.StartPolling(self, l)
			limiters = append(limiters, l)
			closers = append(closers, l.Close, caller.Close)
		}
		return limiters, closeAll(closers), nil
	}

	coord, err := coordinator.New(cfg, clock.NewSystemClock(), log, nil)
	if err != nil {
		return nil, nil, err
	}
	net := inproc.NewNetwork(coord)
	closers := []func() error{coord.Close}
	for i := 0; i < numClients; i++ {
		l, err := net.NewClient(permitproto.NewClientRef(), cfg, clock.NewSystemClock(), log)
		if err != nil {
			return nil, nil, err
		}
		limiters = append(limiters, l)
		closers = append(closers, l.Close)
	}
	return limiters, closeAll(closers), nil
}

func closeAll(closers []func() error) func() {
	return func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}
}
