package kvstore

import (
	"context"
	"time"
)

// TombstoneSweeper periodically scans a CF for zero-length values left
// behind by a MergeFunc that returned an empty slice (our stand-in for a
// RocksDB compaction filter, see DESIGN.md) and deletes them outright.
//
// The shape mirrors the teacher's storage.Compactor exactly: a
// stop/done channel pair, a ticker-driven loop, one unit of work per tick.
type TombstoneSweeper struct {
	db     *DB
	cf     *CF
	logger Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// Logger is the narrow logging interface injected into long-running
// components, mirroring the teacher's CompactorLogger shape.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

func NewTombstoneSweeper(db *DB, cf *CF, logger Logger) *TombstoneSweeper {
	return &TombstoneSweeper{db: db, cf: cf, logger: logger, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

func (s *TombstoneSweeper) Start(ctx context.Context, interval time.Duration) {
	go s.run(ctx, interval)
}

func (s *TombstoneSweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *TombstoneSweeper) run(ctx context.Context, interval time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.sweepOnce(); err != nil {
				s.logger.Error("tombstone sweep failed", "cf", s.cf.Name, "error", err)
			} else if n > 0 {
				s.logger.Info("swept empty rows", "cf", s.cf.Name, "count", n)
			}
		}
	}
}

func (s *TombstoneSweeper) sweepOnce() (int, error) {
	it, err := s.db.FullIterator(s.cf)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var toDelete [][]byte
	for ok := it.First(); ok; ok = it.Next() {
		if len(it.Value()) == 0 {
			toDelete = append(toDelete, append([]byte(nil), it.Key()...))
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	batch := s.db.NewBatch()
	for _, k := range toDelete {
		if err := batch.Delete(s.cf, k); err != nil {
			batch.Close()
			return 0, err
		}
	}
	if err := batch.Commit(); err != nil {
		return 0, err
	}
	return len(toDelete), nil
}
