package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mezonai/blockclique/graph"
	"github.com/mezonai/blockclique/jsonx"
	"github.com/mezonai/blockclique/ledger"
	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/types"
)

const (
	FileName = "snapshot-latest.json.zst"
	// DefaultMaxSize bounds the decompressed size of a snapshot
	DefaultMaxSize = 1 << 30
)

type SnapshotMeta struct {
	Slot      types.Slot `json:"slot"`
	StateHash [32]byte   `json:"state_hash"`
	CreatedAt time.Time  `json:"created_at"`
}

// SnapshotFile is what a bootstrapping node needs: the final ledger, the
// graph frontier, and the final blocks the ledger has not executed yet.
type SnapshotFile struct {
	Meta         SnapshotMeta         `json:"meta"`
	Ledger       *ledger.FinalState   `json:"ledger"`
	Graph        graph.BootstrapGraph `json:"graph"`
	PendingFinal []*types.Block       `json:"pending_final"`
}

// Capture exports the final ledger and the graph frontier
func Capture(l *ledger.Ledger, g *graph.Graph, stateHash [32]byte) (*SnapshotFile, error) {
	state, err := l.ExportFinalState()
	if err != nil {
		return nil, err
	}
	file := &SnapshotFile{
		Meta:   SnapshotMeta{Slot: state.Slot, StateHash: stateHash, CreatedAt: time.Now().UTC()},
		Ledger: state,
		Graph:  g.ExportBootstrap(),
	}
	for _, block := range g.Snapshot().FinalBlocks() {
		if state.Slot.Less(block.Header.Slot) {
			file.PendingFinal = append(file.PendingFinal, block)
		}
	}
	return file, nil
}

// Write encodes the snapshot as zstd-compressed JSON
func Write(w io.Writer, file *SnapshotFile) error {
	data, err := jsonx.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if _, err := encoder.Write(data); err != nil {
		encoder.Close()
		return fmt.Errorf("compress snapshot: %w", err)
	}
	return encoder.Close()
}

// Read decodes a snapshot, refusing more than maxSize decompressed bytes
func Read(r io.Reader, maxSize int64) (*SnapshotFile, error) {
	decoder, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(uint64(maxSize)))
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	data, err := io.ReadAll(io.LimitReader(decoder, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("snapshot exceeds %d bytes once decompressed", maxSize)
	}
	var file SnapshotFile
	if err := jsonx.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if file.Ledger == nil {
		return nil, fmt.Errorf("snapshot carries no ledger state")
	}
	return &file, nil
}

// WriteFile writes the snapshot to dir and removes the older ones
func WriteFile(dir string, file *SnapshotFile) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("mkdir snapshot dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	tmp, err := os.CreateTemp(dir, "snapshot-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create snapshot file: %w", err)
	}
	if err := Write(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("write snapshot file: %w", err)
	}
	if err := cleanupOldSnapshots(dir, path); err != nil {
		logx.Error("SNAPSHOT", "Failed to cleanup old snapshots:", err)
	}
	logx.Info("SNAPSHOT", fmt.Sprintf("Wrote snapshot at slot %s to %s", file.Meta.Slot, path))
	return path, nil
}

// ReadFile loads a snapshot file from disk
func ReadFile(path string) (*SnapshotFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, DefaultMaxSize)
}

func cleanupOldSnapshots(dir, latestPath string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read snapshot dir: %w", err)
	}
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), "snapshot-") {
			continue
		}
		filePath := filepath.Join(dir, file.Name())
		if filePath != latestPath {
			if err := os.Remove(filePath); err != nil {
				logx.Error("SNAPSHOT", "Failed to remove old snapshot:", filePath, err)
			}
		}
	}
	return nil
}
