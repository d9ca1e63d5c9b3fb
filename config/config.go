package config

import (
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/mezonai/blockclique/logx"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// Default returns a configuration usable for a local node
func Default() *Config {
	return &Config{
		Consensus: ConsensusConfig{
			ThreadCount:                     32,
			T0:                              16 * time.Second,
			DeltaF0:                         64,
			MaxDiscardedBlocks:              100,
			FutureBlockProcessingMaxPeriods: 100,
			MaxFutureProcessingBlocks:       100,
			MaxDependencyBlocks:             2048,
			ForceKeepFinalPeriods:           20,
			MaxOperationsPerBlock:           5000,
			EndorsementCount:                16,
		},
		Selector: SelectorConfig{
			PeriodsPerCycle:     128,
			PosDrawCachedCycles: 4,
			LookbackCycles:      2,
		},
		Execution: ExecutionConfig{
			CursorDelay:         2 * time.Second,
			MaxFinalEvents:      10000,
			ReadonlyQueueLength: 10,
			BlockReward:         10,
			RollPrice:           100,
		},
		Ledger: LedgerConfig{
			Backend:            "leveldb",
			Path:               "./data/ledger",
			CacheCapacity:      100000,
			FlushInterval:      5 * time.Second,
			FinalHistoryLength: 100,
		},
		Pool: PoolConfig{
			MaxPoolSizePerThread:                   25000,
			MaxOperationFutureValidityStartPeriods: 100,
			OperationBatchSize:                     500,
			MaxEndorsementsPerSlot:                 16,
			MaxEndorsementPoolSize:                 50000,
		},
	}
}

// LoadConfig reads config.ini on top of the defaults
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	sections := map[string]interface{}{
		"consensus": &cfg.Consensus,
		"selector":  &cfg.Selector,
		"execution": &cfg.Execution,
		"ledger":    &cfg.Ledger,
		"pool":      &cfg.Pool,
	}
	for name, target := range sections {
		if !file.HasSection(name) {
			continue
		}
		if err := file.Section(name).MapTo(target); err != nil {
			return nil, fmt.Errorf("section [%s]: %w", name, err)
		}
	}
	if err := loadThreadCount(file.Section("consensus"), &cfg.Consensus); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logx.Info("CONFIG", fmt.Sprintf("Loaded %s: threads=%d t0=%s delta_f0=%d cursor_delay=%s backend=%s",
		path, cfg.Consensus.ThreadCount, cfg.Consensus.T0, cfg.Consensus.DeltaF0, cfg.Execution.CursorDelay, cfg.Ledger.Backend))
	return cfg, nil
}

// loadThreadCount maps thread_count by hand, ini cannot set uint8 fields
func loadThreadCount(section *ini.Section, cc *ConsensusConfig) error {
	if !section.HasKey("thread_count") {
		return nil
	}
	v, err := section.Key("thread_count").Uint()
	if err != nil {
		return fmt.Errorf("section [consensus]: thread_count: %w", err)
	}
	if v == 0 || v > math.MaxUint8 {
		return fmt.Errorf("section [consensus]: thread_count must be in 1..%d, got %d", math.MaxUint8, v)
	}
	cc.ThreadCount = uint8(v)
	return nil
}

// Validate checks that every bound is a usable hard cap
func (c *Config) Validate() error {
	cc := c.Consensus
	switch {
	case cc.ThreadCount == 0:
		return fmt.Errorf("thread_count must be positive")
	case cc.T0 < time.Duration(cc.ThreadCount):
		return fmt.Errorf("t0 must allow at least 1ns per thread")
	case cc.DeltaF0 == 0:
		return fmt.Errorf("delta_f0 must be positive")
	case cc.MaxDiscardedBlocks <= 0:
		return fmt.Errorf("max_discarded_blocks must be positive")
	case cc.MaxFutureProcessingBlocks <= 0:
		return fmt.Errorf("max_future_processing_blocks must be positive")
	case cc.MaxDependencyBlocks <= 0:
		return fmt.Errorf("max_dependency_blocks must be positive")
	case cc.MaxOperationsPerBlock < 0 || cc.EndorsementCount < 0:
		return fmt.Errorf("max_operations_per_block and endorsement_count must not be negative")
	}
	sc := c.Selector
	switch {
	case sc.PeriodsPerCycle < 2:
		return fmt.Errorf("periods_per_cycle must be at least 2")
	case sc.PosDrawCachedCycles <= 0:
		return fmt.Errorf("pos_draw_cached_cycles must be positive")
	case sc.LookbackCycles == 0:
		return fmt.Errorf("lookback_cycles must be positive")
	case uint64(sc.PosDrawCachedCycles) <= sc.LookbackCycles:
		return fmt.Errorf("pos_draw_cached_cycles must exceed lookback_cycles")
	case cc.FutureBlockProcessingMaxPeriods >= sc.PeriodsPerCycle*sc.LookbackCycles:
		return fmt.Errorf("future_block_processing_max_periods must stay inside the draw coverage window")
	}
	ec := c.Execution
	switch {
	case ec.CursorDelay < 0:
		return fmt.Errorf("cursor_delay must not be negative")
	case ec.MaxFinalEvents <= 0:
		return fmt.Errorf("max_final_events must be positive")
	case ec.ReadonlyQueueLength <= 0:
		return fmt.Errorf("readonly_queue_length must be positive")
	case ec.RollPrice == 0:
		return fmt.Errorf("roll_price must be positive")
	}
	lc := c.Ledger
	switch {
	case lc.CacheCapacity <= 0:
		return fmt.Errorf("ledger_cache_capacity must be positive")
	case lc.FinalHistoryLength <= 0:
		return fmt.Errorf("final_history_length must be positive")
	case lc.FlushInterval <= 0:
		return fmt.Errorf("ledger_flush_interval must be positive")
	}
	switch lc.Backend {
	case "leveldb", "bbolt", "badger", "memory":
	case "redis":
		if lc.RedisAddr == "" {
			return fmt.Errorf("redis backend needs redis_addr")
		}
	case "postgres":
		if lc.PostgresURL == "" {
			return fmt.Errorf("postgres backend needs postgres_url")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", lc.Backend)
	}
	pc := c.Pool
	switch {
	case pc.MaxPoolSizePerThread <= 0:
		return fmt.Errorf("max_pool_size_per_thread must be positive")
	case pc.OperationBatchSize <= 0:
		return fmt.Errorf("operation_batch_size must be positive")
	case pc.MaxEndorsementsPerSlot < 0:
		return fmt.Errorf("max_endorsements_per_slot must not be negative")
	case pc.MaxEndorsementPoolSize <= 0:
		return fmt.Errorf("max_endorsement_pool_size must be positive")
	}
	return nil
}

// LoadGenesisConfig reads and parses the genesis.yml file
func LoadGenesisConfig(path string) (*GenesisConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		logx.Error("CONFIG", "Failed to open genesis file: ", err)
		return nil, err
	}
	defer file.Close()

	var cfgFile ConfigFile
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfgFile); err != nil {
		logx.Error("CONFIG", "Failed to decode genesis YAML: ", err)
		return nil, err
	}
	gen := &cfgFile.Config
	if gen.GenesisAddress == "" {
		return nil, fmt.Errorf("genesis_address is required")
	}
	if _, err := gen.SeedBytes(); err != nil {
		return nil, err
	}
	if err := gen.Validate(); err != nil {
		return nil, err
	}
	logx.Info("CONFIG", fmt.Sprintf("Loaded genesis: timestamp=%s accounts=%d self=%s",
		gen.Timestamp.Format(time.RFC3339), len(gen.Accounts), gen.SelfNode.Address))
	return gen, nil
}

// SeedBytes decodes the hex genesis seed
func (g *GenesisConfig) SeedBytes() ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(g.Seed)
	if err != nil {
		return out, fmt.Errorf("invalid genesis seed: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("genesis seed must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// Validate checks that the genesis accounts can seed the first draws
func (g *GenesisConfig) Validate() error {
	seen := make(map[string]struct{}, len(g.Accounts))
	var rolls uint64
	for _, acc := range g.Accounts {
		if acc.Address == "" {
			return fmt.Errorf("genesis account without address")
		}
		if _, dup := seen[acc.Address]; dup {
			return fmt.Errorf("duplicate genesis account %s", acc.Address)
		}
		seen[acc.Address] = struct{}{}
		rolls += acc.Rolls
	}
	if rolls == 0 {
		return fmt.Errorf("genesis accounts hold no rolls")
	}
	return nil
}
