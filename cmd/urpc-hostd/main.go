// Command urpc-hostd is the host-side supervisor process: it reads a
// TOML pool configuration, spawns one shared segment and accelerator
// child per configured peer, and serves Prometheus metrics until
// signaled to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openurpc/urpc"
	"github.com/openurpc/urpc/config"
	"github.com/openurpc/urpc/dma"
	"github.com/openurpc/urpc/metrics"
	"github.com/openurpc/urpc/rpcctx"
	"github.com/openurpc/urpc/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// echoCmd is the demo command id spec.md §8 scenario 1 exercises: a
// payload sent under this id comes back verbatim under rpcctx.ReplyCmd.
const echoCmd uint16 = 1

// installEchoHandler wires the demo echo handler onto a freshly created
// peer, giving every spawned accelerator slot something to answer cmd 1
// with so the pool can be exercised end to end without a bespoke demo
// binary.
func installEchoHandler(p *urpc.Peer) error {
	return p.RegisterHandler(echoCmd, func(p *urpc.Peer, mb urpc.MB, req int64, payload []byte) int {
		if _, err := p.Reply(rpcctx.ReplyCmd, payload); err != nil {
			return -1
		}
		return 0
	})
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "urpc-hostd",
		Short: "Supervises shared-memory accelerator peers",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Spawn the configured accelerator pool and serve metrics until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	runCmd.Flags().StringVar(&cfgPath, "config", "urpc-hostd.toml", "path to pool configuration")
	root.AddCommand(runCmd)

	return root
}

func run(ctx context.Context, cfgPath string) error {
	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("urpc-hostd: logger: %w", err)
	}
	defer log.Sync()
	sugar := log.Sugar()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(sugar)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			sugar.Infow("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	peers, err := spawnPool(sup, cfg)
	if err != nil {
		return err
	}
	defer teardownPool(sup, sugar, peers)

	for _, mp := range peers {
		mp := mp
		g.Go(func() error {
			if err := sup.WaitPeerAttach(gctx, mp); err != nil {
				return fmt.Errorf("peer %s: %w", mp.ID, err)
			}
			sugar.Infow("peer attached", "peer", mp.ID)
			for {
				if _, err := mp.RecvProgress(gctx, urpc.LenMB); err != nil {
					return fmt.Errorf("peer %s: %w", mp.ID, err)
				}
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(time.Millisecond):
				}
			}
		})
	}

	sugar.Infow("pool running", "peers", len(peers))
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	sugar.Info("urpc-hostd shutting down")
	return nil
}

func spawnPool(sup *supervisor.Supervisor, cfg *config.Config) ([]*supervisor.ManagedPeer, error) {
	var peers []*supervisor.ManagedPeer
	for _, acc := range cfg.Accelerators {
		for i := 0; i < acc.PeerCount; i++ {
			mp, err := sup.PeerCreate(acc.AllocTimeout, dma.LoopbackDevice{}, installEchoHandler)
			if err != nil {
				return peers, fmt.Errorf("accelerator %q peer %d: %w", acc.Name, i, err)
			}
			if err := sup.ChildCreate(mp, acc.Binary, acc.Node, acc.Core); err != nil {
				return peers, fmt.Errorf("accelerator %q peer %d: %w", acc.Name, i, err)
			}
			peers = append(peers, mp)
		}
	}
	return peers, nil
}

func teardownPool(sup *supervisor.Supervisor, log *zap.SugaredLogger, peers []*supervisor.ManagedPeer) {
	for _, mp := range peers {
		if err := sup.ChildDestroy(mp); err != nil {
			log.Warnw("child teardown", "peer", mp.ID, "err", err)
		}
		if err := sup.PeerDestroy(mp); err != nil {
			log.Warnw("peer teardown", "peer", mp.ID, "err", err)
		}
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("URPC_DEBUG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
