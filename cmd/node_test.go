package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/mezonai/blockclique/config"
	"github.com/mezonai/blockclique/snapshot"
	"github.com/mezonai/blockclique/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeConfig() *config.Config {
	cfg := config.Default()
	cfg.Consensus.ThreadCount = 2
	cfg.Consensus.DeltaF0 = 3
	cfg.Consensus.EndorsementCount = 2
	cfg.Ledger.Backend = "memory"
	return cfg
}

func genesisConfig() *config.GenesisConfig {
	return &config.GenesisConfig{
		Timestamp:      time.Unix(1_700_000_000, 0),
		GenesisAddress: "genesis",
		Seed:           strings.Repeat("ab", 32),
		SelfNode:       config.NodeConfig{Address: "alice"},
		Accounts: []config.GenesisAccount{
			{Address: "alice", Balance: 1000, Rolls: 5},
			{Address: "bob", Balance: 50},
		},
	}
}

func TestBuildNode_InitializesGenesis(t *testing.T) {
	n, err := buildNode(nodeConfig(), genesisConfig(), nil)
	require.NoError(t, err)
	defer n.ledger.Close()

	slot, ok := n.ledger.FinalSlot()
	require.True(t, ok)
	assert.Equal(t, types.NewSlot(0, 1), slot)
	alice, err := n.ledger.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), alice.Balance.Uint64())
	assert.Equal(t, uint64(5), alice.Rolls)

	producer, err := n.selector.GetProducer(types.NewSlot(1, 0))
	require.NoError(t, err)
	assert.Equal(t, types.Address("alice"), producer, "alice holds every roll")
	assert.Equal(t, []uint64{0, 0}, n.graph.LatestFinalPeriods())
}

func TestBuildNode_ImportsSnapshot(t *testing.T) {
	src, err := buildNode(nodeConfig(), genesisConfig(), nil)
	require.NoError(t, err)
	defer src.ledger.Close()
	file, err := snapshot.Capture(src.ledger, src.graph, src.scheduler.FinalStateHash())
	require.NoError(t, err)

	dst, err := buildNode(nodeConfig(), genesisConfig(), file)
	require.NoError(t, err)
	defer dst.ledger.Close()
	bob, err := dst.ledger.Get("bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), bob.Balance.Uint64())

	assert.Error(t, src.wire(file), "a snapshot never overwrites an initialized ledger")
}

func TestGenesisRolls(t *testing.T) {
	rolls := genesisRolls(genesisConfig())
	assert.Equal(t, map[types.Address]uint64{"alice": 5}, rolls)
}
