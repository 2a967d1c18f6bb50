// Package migrate moves blocks between storage backends through a
// minimal streaming contract: enumerate and read on the source, write
// on the destination. Neither side needs to know the other's layout.
package migrate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// BlockStore is the surface both sides of a migration expose.
type BlockStore interface {
	Enumerate() ([]string, error)
	Read(name string) ([]byte, error)
	Write(name string, data []byte) error
	Close() error
}

// batcher is implemented by stores that can defer metadata flushes
// across a run of writes.
type batcher interface {
	BeginBatch() error
	EndBatch() error
}

// Result reports what a completed copy moved.
type Result struct {
	BlocksCopied int
	BytesCopied  uint64
	Elapsed      time.Duration
}

// Copy streams every source block into dst. Cancellation is checked
// between blocks, never inside a block write, so a cancelled run leaves
// the destination with complete blocks only.
func Copy(ctx context.Context, src, dst BlockStore, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	start := time.Now()
	res := &Result{}

	names, err := src.Enumerate()
	if err != nil {
		return res, fmt.Errorf("enumerate source: %w", err)
	}
	logger.Info("migration started", "blocks", len(names))

	var dstBatch batcher
	if b, ok := dst.(batcher); ok {
		if err := b.BeginBatch(); err != nil {
			return res, fmt.Errorf("begin destination batch: %w", err)
		}
		dstBatch = b
	}

	copyErr := func() error {
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := src.Read(name)
			if err != nil {
				return fmt.Errorf("read %q: %w", name, err)
			}
			if err := dst.Write(name, data); err != nil {
				return fmt.Errorf("write %q: %w", name, err)
			}
			res.BlocksCopied++
			res.BytesCopied += uint64(len(data))
		}
		return nil
	}()

	// the batch flush is part of the migration; a failed metadata flush
	// is a failed copy
	if dstBatch != nil {
		if err := dstBatch.EndBatch(); err != nil && copyErr == nil {
			copyErr = fmt.Errorf("flush destination metadata: %w", err)
		}
	}
	res.Elapsed = time.Since(start)
	if copyErr != nil {
		return res, copyErr
	}
	logger.Info("migration complete",
		"blocks", res.BlocksCopied, "bytes", res.BytesCopied, "elapsed", res.Elapsed)
	return res, nil
}
