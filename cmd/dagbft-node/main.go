// Command dagbft-node is the minimal launch CLI for the core (spec.md §1
// Non-goals: "CLI argument parsing beyond the minimal node-launch CLI
// needed to exercise the core"). It offers two subcommands: `run`, which
// loads a single node's YAML configuration (spec.md §6 Configuration) and
// reports what it would do absent a real network dialer (TCP framing is
// out of scope per spec.md §1), and `demo`, which spins up a full
// in-memory cluster for a fixed duration to exercise every layer
// end-to-end, matching the teacher's own cmd/consensus sim/benchmark
// subcommands (cmd/consensus/main.go).
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/luxfi/dagbft/config"
	"github.com/luxfi/dagbft/logging"
	"github.com/luxfi/dagbft/mempool"
	"github.com/luxfi/dagbft/metrics"
	"github.com/luxfi/dagbft/node"
	"github.com/luxfi/dagbft/transport"
	"github.com/luxfi/dagbft/wire"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dagbft-node",
	Short: "Launch or demo a dagbft asynchronous BFT cluster node",
}

func main() {
	rootCmd.AddCommand(runCmd(), demoCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load a node configuration and report its resolved parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logging.NewDevelopment()
			log.Info(fmt.Sprintf(
				"resolved config: n=%d f=%d id=%d batch=%d rounds_aa=%d prime=%d",
				cfg.N, cfg.F, cfg.ID, cfg.BatchB, cfg.RoundsAA(), cfg.ProtPayload.Prime,
			))
			fmt.Println("dagbft-node run: TCP transport is out of scope (spec.md §1); use `demo` to exercise the core end-to-end in-process.")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to node configuration YAML")
	return cmd
}

func demoCmd() *cobra.Command {
	var n int
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a full in-memory cluster for a fixed duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(n, duration)
		},
	}
	cmd.Flags().IntVar(&n, "n", 4, "cluster size")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to run the demo cluster")
	return cmd
}

func sharedKey(i, j wire.Replica) []byte {
	if i > j {
		i, j = j, i
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("pair-%d-%d", i, j)))
	return sum[:]
}

func runDemo(n int, duration time.Duration) error {
	f := config.F(n)
	log := logging.NewDevelopment()
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	routers := make([]*transport.Router, n)
	for i := 0; i < n; i++ {
		keys := make(map[wire.Replica][]byte, n)
		for j := 0; j < n; j++ {
			keys[wire.Replica(j)] = sharedKey(wire.Replica(i), wire.Replica(j))
		}
		routers[i] = transport.NewRouter(wire.Replica(i), n, keys, log, nil, 256)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				routers[i].Connect(ctx, wire.Replica(j), routers[j])
			}
		}
	}

	// Each node gets its own registry: the collector names luxfi's
	// metrics package defines are identical across nodes, and one shared
	// prometheus.Registry rejects a second MustRegister of the same name.
	nodes := make([]*node.Node, n)
	for i := 0; i < n; i++ {
		cfg := &config.Config{
			N: n, F: f, ID: i, BatchB: 1, LagWind: 64,
			ProtPayload: config.ProtPayload{Epsilon: 0.01, Delta: 1, Prime: 685373784908497},
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		nodes[i] = node.New(cfg, log, metrics.NewRegistry(), routers[i], mempool.NewFIFO(), nil, nil)
	}

	var wg sync.WaitGroup
	for _, nd := range nodes {
		nd := nd
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = nd.Run(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	log.Info(fmt.Sprintf("demo: ran %d nodes for %s", n, duration))
	return nil
}
