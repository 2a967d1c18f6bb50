package migrate

import (
	"context"
	"log/slog"

	"slabdb/pkg/config"
	"slabdb/pkg/storage"
)

// EngineStore adapts a block file engine to the migration contract.
type EngineStore struct {
	eng   *storage.Engine
	owned bool
}

// OpenEngineStore opens path and takes ownership of the engine; Close
// closes the file.
func OpenEngineStore(ctx context.Context, path string, cfg *config.Config, logger *slog.Logger) (*EngineStore, error) {
	eng, err := storage.Open(ctx, path, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &EngineStore{eng: eng, owned: true}, nil
}

// NewEngineStore wraps an engine the caller keeps ownership of; Close
// is a no-op.
func NewEngineStore(eng *storage.Engine) *EngineStore {
	return &EngineStore{eng: eng}
}

func (s *EngineStore) Enumerate() ([]string, error) {
	return s.eng.EnumerateBlocks()
}

func (s *EngineStore) Read(name string) ([]byte, error) {
	return s.eng.ReadBlock(name)
}

func (s *EngineStore) Write(name string, data []byte) error {
	return s.eng.WriteBlock(name, data)
}

func (s *EngineStore) BeginBatch() error { return s.eng.BeginBatch() }
func (s *EngineStore) EndBatch() error   { return s.eng.EndBatch() }

func (s *EngineStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.eng.Close()
}
