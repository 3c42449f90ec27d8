// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestJournal returns an in-memory journal for testing.
func createTestJournal(t *testing.T) *BadgerJournal {
	t.Helper()

	cfg := DefaultConfig()
	cfg.InMemory = true
	cfg.SyncWrites = false

	j, err := NewBadgerJournal(cfg)
	require.NoError(t, err)
	return j
}

// pullRecord builds a plausible pull record for tests.
func pullRecord(modelID string, outcome Outcome) Record {
	started := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	return Record{
		ModelID:    modelID,
		Provider:   "ollama",
		Action:     ActionPull,
		Outcome:    outcome,
		Attempts:   1,
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
	}
}

// -----------------------------------------------------------------------------
// Config Tests
// -----------------------------------------------------------------------------

func TestConfig_Validate(t *testing.T) {
	t.Run("valid in-memory config", func(t *testing.T) {
		cfg := Config{InMemory: true}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("valid persistent config", func(t *testing.T) {
		cfg := Config{Path: "/tmp/journal"}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing path for persistent", func(t *testing.T) {
		cfg := Config{InMemory: false}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "path")
	})

	t.Run("negative retain_records", func(t *testing.T) {
		cfg := Config{InMemory: true, RetainRecords: -1}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "retain_records")
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.SyncWrites)
	assert.Equal(t, 1000, cfg.RetainRecords)
	assert.False(t, cfg.AllowDegraded)
	assert.False(t, cfg.InMemory)
}

// -----------------------------------------------------------------------------
// BadgerJournal Tests
// -----------------------------------------------------------------------------

func TestNewBadgerJournal(t *testing.T) {
	t.Run("in-memory journal", func(t *testing.T) {
		j := createTestJournal(t)
		defer j.Close()

		assert.False(t, j.IsDegraded())
		assert.Equal(t, uint64(0), j.Stats().LastSeq)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := NewBadgerJournal(Config{}) // Missing path
		assert.Error(t, err)
	})
}

func TestBadgerJournal_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("append single record", func(t *testing.T) {
		j := createTestJournal(t)
		defer j.Close()

		err := j.Append(ctx, pullRecord("llama3:8b", OutcomeSucceeded))
		require.NoError(t, err)

		stats := j.Stats()
		assert.Equal(t, uint64(1), stats.LastSeq)
		assert.Equal(t, int64(1), stats.Appends)

		records, err := j.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)

		got := records[0]
		assert.Equal(t, uint64(1), got.Seq)
		assert.Equal(t, "llama3:8b", got.ModelID)
		assert.Equal(t, "ollama", got.Provider)
		assert.Equal(t, ActionPull, got.Action)
		assert.Equal(t, OutcomeSucceeded, got.Outcome)
		assert.Equal(t, 1, got.Attempts)
		assert.WithinDuration(t, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC), got.StartedAt, time.Second)
	})

	t.Run("sequence numbers increment", func(t *testing.T) {
		j := createTestJournal(t)
		defer j.Close()

		for i := 0; i < 3; i++ {
			require.NoError(t, j.Append(ctx, pullRecord(fmt.Sprintf("model-%d:1b", i), OutcomeSucceeded)))
		}

		assert.Equal(t, uint64(3), j.Stats().LastSeq)
	})

	t.Run("cancelled context refused", func(t *testing.T) {
		j := createTestJournal(t)
		defer j.Close()

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		err := j.Append(cancelled, pullRecord("llama3:8b", OutcomeSucceeded))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("nil context refused", func(t *testing.T) {
		j := createTestJournal(t)
		defer j.Close()

		var nilCtx context.Context
		err := j.Append(nilCtx, pullRecord("llama3:8b", OutcomeSucceeded))
		assert.ErrorIs(t, err, ErrNilContext)
	})
}

func TestBadgerJournal_Recent(t *testing.T) {
	ctx := context.Background()

	t.Run("newest first", func(t *testing.T) {
		j := createTestJournal(t)
		defer j.Close()

		require.NoError(t, j.Append(ctx, pullRecord("first:1b", OutcomeSucceeded)))
		require.NoError(t, j.Append(ctx, pullRecord("second:1b", OutcomeFailed)))
		require.NoError(t, j.Append(ctx, pullRecord("third:1b", OutcomeCancelled)))

		records, err := j.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, records, 3)

		assert.Equal(t, "third:1b", records[0].ModelID)
		assert.Equal(t, "second:1b", records[1].ModelID)
		assert.Equal(t, "first:1b", records[2].ModelID)
	})

	t.Run("limit honored", func(t *testing.T) {
		j := createTestJournal(t)
		defer j.Close()

		for i := 0; i < 5; i++ {
			require.NoError(t, j.Append(ctx, pullRecord(fmt.Sprintf("model-%d:1b", i), OutcomeSucceeded)))
		}

		records, err := j.Recent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, uint64(5), records[0].Seq)
		assert.Equal(t, uint64(4), records[1].Seq)
	})

	t.Run("non-positive limit uses default", func(t *testing.T) {
		j := createTestJournal(t)
		defer j.Close()

		for i := 0; i < 3; i++ {
			require.NoError(t, j.Append(ctx, pullRecord(fmt.Sprintf("model-%d:1b", i), OutcomeSucceeded)))
		}

		records, err := j.Recent(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})

	t.Run("empty journal", func(t *testing.T) {
		j := createTestJournal(t)
		defer j.Close()

		records, err := j.Recent(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestBadgerJournal_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.SyncWrites = false

	j, err := NewBadgerJournal(cfg)
	require.NoError(t, err)

	require.NoError(t, j.Append(ctx, pullRecord("llama3:8b", OutcomeSucceeded)))
	require.NoError(t, j.Append(ctx, pullRecord("mistral:7b", OutcomeFailed)))
	require.NoError(t, j.Close())

	// Reopen: history survives and sequence numbers continue
	j2, err := NewBadgerJournal(cfg)
	require.NoError(t, err)
	defer j2.Close()

	assert.Equal(t, uint64(2), j2.Stats().LastSeq)

	require.NoError(t, j2.Append(ctx, pullRecord("qwen2.5:7b", OutcomeSucceeded)))

	records, err := j2.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(3), records[0].Seq)
	assert.Equal(t, "qwen2.5:7b", records[0].ModelID)
	assert.Equal(t, "llama3:8b", records[2].ModelID)
}

func TestBadgerJournal_Prune(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit prune", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.InMemory = true
		cfg.SyncWrites = false
		cfg.RetainRecords = 10

		j, err := NewBadgerJournal(cfg)
		require.NoError(t, err)
		defer j.Close()

		for i := 0; i < 25; i++ {
			require.NoError(t, j.Append(ctx, pullRecord(fmt.Sprintf("model-%d:1b", i), OutcomeSucceeded)))
		}

		deleted, err := j.Prune(ctx)
		require.NoError(t, err)
		assert.Equal(t, 15, deleted)

		records, err := j.Recent(ctx, 100)
		require.NoError(t, err)
		require.Len(t, records, 10)
		assert.Equal(t, uint64(25), records[0].Seq)
		assert.Equal(t, uint64(16), records[len(records)-1].Seq)

		assert.Equal(t, int64(15), j.Stats().Pruned)
	})

	t.Run("opportunistic prune during append", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.InMemory = true
		cfg.SyncWrites = false
		cfg.RetainRecords = 10

		j, err := NewBadgerJournal(cfg)
		require.NoError(t, err)
		defer j.Close()

		// The 64th append crosses the prune interval
		for i := 0; i < 64; i++ {
			require.NoError(t, j.Append(ctx, pullRecord(fmt.Sprintf("model-%d:1b", i), OutcomeSucceeded)))
		}

		records, err := j.Recent(ctx, 100)
		require.NoError(t, err)
		require.Len(t, records, 10)
		assert.Equal(t, uint64(64), records[0].Seq)
		assert.Equal(t, uint64(55), records[len(records)-1].Seq)
	})

	t.Run("nothing to prune", func(t *testing.T) {
		j := createTestJournal(t)
		defer j.Close()

		require.NoError(t, j.Append(ctx, pullRecord("llama3:8b", OutcomeSucceeded)))

		deleted, err := j.Prune(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)
	})

	t.Run("unbounded retention never prunes", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.InMemory = true
		cfg.SyncWrites = false
		cfg.RetainRecords = 0

		j, err := NewBadgerJournal(cfg)
		require.NoError(t, err)
		defer j.Close()

		for i := 0; i < 5; i++ {
			require.NoError(t, j.Append(ctx, pullRecord(fmt.Sprintf("model-%d:1b", i), OutcomeSucceeded)))
		}

		deleted, err := j.Prune(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)
	})
}

func TestBadgerJournal_CRCIntegrity(t *testing.T) {
	ctx := context.Background()

	j := createTestJournal(t)
	defer j.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, j.Append(ctx, pullRecord(fmt.Sprintf("model-%d:1b", i), OutcomeSucceeded)))
	}

	// Damage two records in place: one with a bad checksum, one truncated
	err := j.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := txn.Set(recordKey(2), []byte("garbage-without-crc")); err != nil {
			return err
		}
		return txn.Set(recordKey(3), []byte{0x01, 0x02})
	})
	require.NoError(t, err)

	records, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(4), records[0].Seq)
	assert.Equal(t, uint64(1), records[1].Seq)

	assert.Equal(t, int64(2), j.Stats().Corrupted)
}

func TestBadgerJournal_DegradedMode(t *testing.T) {
	ctx := context.Background()

	// Occupying the journal path with a regular file makes BadgerDB
	// initialization fail deterministically.
	occupied := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(occupied, []byte("x"), 0600))

	t.Run("strict mode refuses to open", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Path = occupied

		_, err := NewBadgerJournal(cfg)
		assert.Error(t, err)
	})

	t.Run("degraded mode keeps in-memory history", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Path = occupied
		cfg.AllowDegraded = true
		cfg.RetainRecords = 5

		j, err := NewBadgerJournal(cfg)
		require.NoError(t, err)
		defer j.Close()

		assert.True(t, j.IsDegraded())
		assert.True(t, j.Stats().Degraded)

		for i := 0; i < 8; i++ {
			require.NoError(t, j.Append(ctx, pullRecord(fmt.Sprintf("model-%d:1b", i), OutcomeSucceeded)))
		}

		// Ring is bounded at RetainRecords, newest first
		records, err := j.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, records, 5)
		assert.Equal(t, uint64(8), records[0].Seq)
		assert.Equal(t, uint64(4), records[len(records)-1].Seq)

		assert.NoError(t, j.Sync())
	})
}

func TestBadgerJournal_CloseIdempotent(t *testing.T) {
	ctx := context.Background()

	j := createTestJournal(t)
	require.NoError(t, j.Append(ctx, pullRecord("llama3:8b", OutcomeSucceeded)))

	require.NoError(t, j.Close())
	require.NoError(t, j.Close()) // Second close is a no-op

	err := j.Append(ctx, pullRecord("mistral:7b", OutcomeSucceeded))
	assert.ErrorIs(t, err, ErrJournalClosed)

	_, err = j.Recent(ctx, 10)
	assert.ErrorIs(t, err, ErrJournalClosed)

	_, err = j.Prune(ctx)
	assert.ErrorIs(t, err, ErrJournalClosed)

	assert.ErrorIs(t, j.Sync(), ErrJournalClosed)
}
