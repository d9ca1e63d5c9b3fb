package config

import "time"

// ConsensusConfig bounds the block graph
type ConsensusConfig struct {
	ThreadCount                     uint8         `ini:"-"` // read by loadThreadCount
	T0                              time.Duration `ini:"t0"`
	DeltaF0                         uint64        `ini:"delta_f0"`
	MaxDiscardedBlocks              int           `ini:"max_discarded_blocks"`
	FutureBlockProcessingMaxPeriods uint64        `ini:"future_block_processing_max_periods"`
	MaxFutureProcessingBlocks       int           `ini:"max_future_processing_blocks"`
	MaxDependencyBlocks             int           `ini:"max_dependency_blocks"`
	ForceKeepFinalPeriods           uint64        `ini:"force_keep_final_periods"`
	MaxOperationsPerBlock           int           `ini:"max_operations_per_block"`
	EndorsementCount                int           `ini:"endorsement_count"`
	DisableBlockCreation            bool          `ini:"disable_block_creation"`
}

// SelectorConfig drives the proof-of-stake draws
type SelectorConfig struct {
	PeriodsPerCycle     uint64 `ini:"periods_per_cycle"`
	PosDrawCachedCycles int    `ini:"pos_draw_cached_cycles"`
	LookbackCycles      uint64 `ini:"lookback_cycles"`
}

// ExecutionConfig drives the speculative executor
type ExecutionConfig struct {
	CursorDelay         time.Duration `ini:"cursor_delay"`
	MaxFinalEvents      int           `ini:"max_final_events"`
	ReadonlyQueueLength int           `ini:"readonly_queue_length"`
	BlockReward         uint64        `ini:"block_reward"`
	RollPrice           uint64        `ini:"roll_price"`
}

// LedgerConfig selects and bounds the ledger store
type LedgerConfig struct {
	Backend            string        `ini:"backend"`
	Path               string        `ini:"path"`
	RedisAddr          string        `ini:"redis_addr"`
	PostgresURL        string        `ini:"postgres_url"`
	CacheCapacity      int           `ini:"ledger_cache_capacity"`
	FlushInterval      time.Duration `ini:"ledger_flush_interval"`
	FinalHistoryLength int           `ini:"final_history_length"`
}

// PoolConfig bounds the operation and endorsement pool
type PoolConfig struct {
	MaxPoolSizePerThread                   int    `ini:"max_pool_size_per_thread"`
	MaxOperationFutureValidityStartPeriods uint64 `ini:"max_operation_future_validity_start_periods"`
	OperationBatchSize                     int    `ini:"operation_batch_size"`
	MaxEndorsementsPerSlot                 int    `ini:"max_endorsements_per_slot"`
	MaxEndorsementPoolSize                 int    `ini:"max_endorsement_pool_size"`
}

// Config is the content of config.ini
type Config struct {
	Consensus ConsensusConfig
	Selector  SelectorConfig
	Execution ExecutionConfig
	Ledger    LedgerConfig
	Pool      PoolConfig
}

// GenesisAccount is an initial ledger entry
type GenesisAccount struct {
	Address string `yaml:"address"`
	Balance uint64 `yaml:"balance"`
	Rolls   uint64 `yaml:"rolls"`
}

// NodeConfig represents a node's identity
type NodeConfig struct {
	Address string `yaml:"address"`
}

// GenesisConfig holds the configuration from genesis.yml
type GenesisConfig struct {
	Timestamp      time.Time        `yaml:"timestamp"`
	GenesisAddress string           `yaml:"genesis_address"`
	Seed           string           `yaml:"seed"`
	SelfNode       NodeConfig       `yaml:"self_node"`
	Accounts       []GenesisAccount `yaml:"accounts"`
}

// ConfigFile is the top-level structure for genesis.yml
type ConfigFile struct {
	Config GenesisConfig `yaml:"config"`
}
