package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mezonai/blockclique/config"
	"github.com/mezonai/blockclique/consensus"
	"github.com/mezonai/blockclique/db"
	"github.com/mezonai/blockclique/events"
	"github.com/mezonai/blockclique/exception"
	"github.com/mezonai/blockclique/execution"
	"github.com/mezonai/blockclique/graph"
	"github.com/mezonai/blockclique/ledger"
	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/monitoring"
	"github.com/mezonai/blockclique/pool"
	"github.com/mezonai/blockclique/selector"
	"github.com/mezonai/blockclique/snapshot"
	"github.com/mezonai/blockclique/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const metricsShutdownTimeout = 5 * time.Second

var (
	configPath     string
	genesisPath    string
	metricsAddr    string
	snapshotDir    string
	importSnapshot string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the consensus node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&configPath, "config", "c", "config/config.ini", "Path to config.ini")
	runCmd.Flags().StringVarP(&genesisPath, "genesis", "g", "config/genesis.yml", "Path to genesis.yml")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "Listen address of the metrics endpoint, empty to disable")
	runCmd.Flags().StringVar(&snapshotDir, "snapshot-dir", "", "Directory receiving a snapshot on shutdown")
	runCmd.Flags().StringVar(&importSnapshot, "import-snapshot", "", "Snapshot file to bootstrap an empty ledger from")
}

// node is the set of wired components of a running node
type node struct {
	cfg       *config.Config
	genesis   *config.GenesisConfig
	ledger    *ledger.Ledger
	selector  *selector.Selector
	graph     *graph.Graph
	pool      *pool.Pool
	scheduler *execution.Scheduler
	worker    *consensus.Worker
}

func runNode(ctx context.Context) error {
	monitoring.InitMetrics()
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gen, err := config.LoadGenesisConfig(genesisPath)
	if err != nil {
		return fmt.Errorf("load genesis config: %w", err)
	}

	var restored *snapshot.SnapshotFile
	if importSnapshot != "" {
		restored, err = snapshot.ReadFile(importSnapshot)
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
	}

	n, err := buildNode(cfg, gen, restored)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.ledger.Close(); err != nil {
			logx.Error("NODE", "Failed to close ledger:", err)
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := n.run(ctx)
	if snapshotDir != "" {
		file, err := snapshot.Capture(n.ledger, n.graph, n.scheduler.FinalStateHash())
		if err != nil {
			logx.Error("NODE", "Failed to capture snapshot:", err)
		} else if _, err := snapshot.WriteFile(snapshotDir, file); err != nil {
			logx.Error("NODE", "Failed to write snapshot:", err)
		}
	}
	return runErr
}

// buildNode opens the ledger and wires every component. A restored snapshot
// replaces the genesis state and the genesis graph.
func buildNode(cfg *config.Config, gen *config.GenesisConfig, restored *snapshot.SnapshotFile) (*node, error) {
	provider, err := db.NewProvider(cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	l, err := ledger.NewLedger(provider, cfg.Ledger)
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	n := &node{cfg: cfg, genesis: gen, ledger: l}
	if err := n.wire(restored); err != nil {
		l.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) wire(restored *snapshot.SnapshotFile) error {
	cfg, gen := n.cfg, n.genesis
	_, initialized := n.ledger.FinalSlot()
	switch {
	case restored != nil && initialized:
		return fmt.Errorf("refusing to import a snapshot into a non-empty ledger")
	case restored != nil:
		if err := n.ledger.ImportFinalState(restored.Ledger); err != nil {
			return fmt.Errorf("import snapshot ledger: %w", err)
		}
		logx.Info("NODE", fmt.Sprintf("Imported snapshot at slot %s", restored.Meta.Slot))
	case !initialized:
		if err := initGenesisLedger(n.ledger, cfg, gen); err != nil {
			return err
		}
	}

	seed, err := gen.SeedBytes()
	if err != nil {
		return err
	}
	genesisAddress := types.Address(gen.GenesisAddress)
	n.selector, err = selector.New(cfg, genesisAddress, selector.CycleInputs{Seed: seed, Rolls: genesisRolls(gen)})
	if err != nil {
		return fmt.Errorf("create selector: %w", err)
	}
	fed, err := execution.RestoreSelector(n.ledger, n.selector, cfg.Selector.LookbackCycles)
	if err != nil {
		return fmt.Errorf("restore selector: %w", err)
	}
	logx.Info("NODE", fmt.Sprintf("Selector restored with %d persisted cycles", fed))

	bus := events.NewEventBus()
	router := events.NewEventRouter(bus)
	if restored != nil {
		n.graph, err = graph.NewFromBootstrap(cfg.Consensus, n.selector, genesisAddress, restored.Graph)
		if err != nil {
			return fmt.Errorf("bootstrap graph: %w", err)
		}
	} else {
		n.graph = graph.New(cfg.Consensus, n.selector, genesisAddress)
	}

	n.pool = pool.New(cfg, bus)
	n.scheduler, err = execution.New(cfg, gen.Timestamp, n.ledger, n.selector, bus)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if restored != nil {
		n.scheduler.UpdateBlockclique(blocksBySlot(restored.PendingFinal), currentBlockclique(n.graph))
	}
	n.worker = consensus.NewWorker(cfg, gen.Timestamp, types.Address(gen.SelfNode.Address), n.graph, n.selector, n.pool, n.ledger, n.scheduler, router)
	return nil
}

func (n *node) run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return exception.SafeRun("scheduler", func() error { return n.scheduler.Run(ctx) })
	})
	eg.Go(func() error {
		return exception.SafeRun("consensus worker", func() error { return n.worker.Run(ctx) })
	})
	if metricsAddr != "" {
		mux := http.NewServeMux()
		monitoring.RegisterMetrics(mux)
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		eg.Go(func() error {
			logx.Info("NODE", "Metrics listening on", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	logx.Info("NODE", fmt.Sprintf("Node %s running with %d threads", n.genesis.SelfNode.Address, n.cfg.Consensus.ThreadCount))
	return eg.Wait()
}

// initGenesisLedger writes the genesis accounts as the state after the last genesis slot
func initGenesisLedger(l *ledger.Ledger, cfg *config.Config, gen *config.GenesisConfig) error {
	changes := types.NewLedgerChanges()
	for _, acc := range gen.Accounts {
		changes.Set(types.Address(acc.Address), types.NewLedgerEntry(acc.Balance, acc.Rolls))
	}
	last := types.NewSlot(0, cfg.Consensus.ThreadCount-1)
	if err := l.InitGenesis(last, changes); err != nil {
		return fmt.Errorf("init genesis ledger: %w", err)
	}
	logx.Info("NODE", fmt.Sprintf("Initialized genesis ledger with %d accounts", len(gen.Accounts)))
	return nil
}

func genesisRolls(gen *config.GenesisConfig) map[types.Address]uint64 {
	rolls := make(map[types.Address]uint64)
	for _, acc := range gen.Accounts {
		if acc.Rolls > 0 {
			rolls[types.Address(acc.Address)] += acc.Rolls
		}
	}
	return rolls
}

func blocksBySlot(blocks []*types.Block) map[types.Slot]*types.Block {
	out := make(map[types.Slot]*types.Block, len(blocks))
	for _, block := range blocks {
		out[block.Header.Slot] = block
	}
	return out
}

func currentBlockclique(g *graph.Graph) map[types.Slot]*types.Block {
	out := make(map[types.Slot]*types.Block)
	for _, id := range g.GetBlockclique() {
		if block, _, ok := g.GetActiveBlock(id); ok {
			out[block.Header.Slot] = block
		}
	}
	return out
}
