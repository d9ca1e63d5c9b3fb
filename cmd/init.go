package cmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mezonai/blockclique/config"
	"github.com/mezonai/blockclique/db"
	"github.com/mezonai/blockclique/ledger"
	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/types"
	"github.com/spf13/cobra"
)

var (
	initConfigPath  string
	initGenesisPath string
	initDataDir     string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a node key and write the genesis ledger",
	Long: `Initialize a node by:
- Generating an Ed25519 key pair in the data directory, unless one exists
- Printing the address derived from the public key
- Writing the genesis accounts to the configured ledger store`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return initializeNode()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVarP(&initConfigPath, "config", "c", "config/config.ini", "Path to config.ini")
	initCmd.Flags().StringVarP(&initGenesisPath, "genesis", "g", "config/genesis.yml", "Path to genesis.yml")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", ".", "Directory receiving the node key")
}

// initializeNode is idempotent: existing keys and an initialized ledger are kept
func initializeNode() error {
	if err := os.MkdirAll(initDataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	address, err := ensureNodeKey(initDataDir)
	if err != nil {
		return err
	}
	logx.Info("INIT", "Node address:", address)

	cfg, err := config.LoadConfig(initConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gen, err := config.LoadGenesisConfig(initGenesisPath)
	if err != nil {
		return fmt.Errorf("load genesis config: %w", err)
	}
	if gen.SelfNode.Address != "" && gen.SelfNode.Address != string(address) {
		logx.Warn("INIT", fmt.Sprintf("genesis self_node.address %s differs from the local key address %s", gen.SelfNode.Address, address))
	}

	provider, err := db.NewProvider(cfg.Ledger)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	l, err := ledger.NewLedger(provider, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	if slot, ok := l.FinalSlot(); ok {
		logx.Info("INIT", fmt.Sprintf("Ledger already initialized at slot %s, skipping genesis", slot))
		return nil
	}
	if err := initGenesisLedger(l, cfg, gen); err != nil {
		return err
	}
	logx.Info("INIT", "Node initialization completed, ledger at", cfg.Ledger.Path)
	return nil
}

// ensureNodeKey loads or generates the hex seed in privkey.txt and returns the node address
func ensureNodeKey(dir string) (types.Address, error) {
	privKeyFile := filepath.Join(dir, "privkey.txt")
	pubKeyFile := filepath.Join(dir, "pubkey.txt")

	var seed []byte
	raw, err := os.ReadFile(privKeyFile)
	switch {
	case err == nil:
		seed, err = hex.DecodeString(string(raw))
		if err != nil || len(seed) != ed25519.SeedSize {
			return "", fmt.Errorf("invalid private key in %s", privKeyFile)
		}
		logx.Info("INIT", "Using existing private key from:", privKeyFile)
	case os.IsNotExist(err):
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return "", fmt.Errorf("generate Ed25519 seed: %w", err)
		}
		if err := os.WriteFile(privKeyFile, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
			return "", fmt.Errorf("write private key: %w", err)
		}
		logx.Info("INIT", "Generated new Ed25519 key pair in", privKeyFile)
	default:
		return "", fmt.Errorf("read private key: %w", err)
	}

	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	if err := os.WriteFile(pubKeyFile, []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	return types.AddressFromPublicKey(pub), nil
}
