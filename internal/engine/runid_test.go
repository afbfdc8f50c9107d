package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator_Format(t *testing.T) {
	gen := UUIDv7Generator{}
	id := gen.Generate()

	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.Len(t, id, 36)
}

func TestUUIDv7Generator_Sortable(t *testing.T) {
	gen := UUIDv7Generator{}
	prev := gen.Generate()
	for i := 0; i < 100; i++ {
		next := gen.Generate()
		assert.NotEqual(t, prev, next)
		assert.LessOrEqual(t, prev[:13], next[:13], "timestamp prefix is monotonic")
		prev = next
	}
}

func TestFixedGenerator_SequenceThenRepeat(t *testing.T) {
	gen := NewFixedGenerator("run-1", "run-2")
	assert.Equal(t, "run-1", gen.Generate())
	assert.Equal(t, "run-2", gen.Generate())
	assert.Equal(t, "run-2", gen.Generate())

	assert.Equal(t, "run-fixed", NewFixedGenerator().Generate())
}

func TestFixedGenerator_ThreadSafe(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = fmt.Sprintf("run-%d", i)
	}
	gen := NewFixedGenerator(ids...)

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 9; j++ {
				id := gen.Generate()
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 90, "each id handed out once")
}

func TestRunError(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := fmt.Errorf("pass: %w", ledgerError("run-1", "mark sent", "b1", cause))

	assert.True(t, IsLedgerError(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "LEDGER_ERROR: mark sent b1: disk I/O error")

	input := &RunError{Code: ErrCodeInput, Op: "load records", Err: cause}
	assert.False(t, IsLedgerError(input))
	assert.Equal(t, "INPUT_ERROR: load records: disk I/O error", input.Error())
}
