package transaction

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/metapage"
)

var crashModes = []flushmanager.CrashMode{
	flushmanager.CrashDropUnflushed,
	flushmanager.CrashKeepUnflushed,
	flushmanager.CrashTearLastWrite,
}

// TestCrashAtomicity kills the process at every flush of a commit and checks
// recovery finds either the whole commit or none of it.
func TestCrashAtomicity(t *testing.T) {
	for _, strategy := range []metapage.Strategy{metapage.StrategyChecksum, metapage.StrategyTwoPhase} {
		t.Run(strategy.String(), func(t *testing.T) {
			for n := 0; ; n++ {
				require.Less(t, n, 10, "commit never completed")
				if survived := crashCommitAt(t, strategy, n); survived {
					break
				}
			}
		})
	}
}

// crashCommitAt lets n flushes of one commit succeed and recovers every crash
// image of what happened. It reports whether the commit completed anyway.
func crashCommitAt(t *testing.T, strategy metapage.Strategy, n int) bool {
	t.Helper()
	backend := flushmanager.NewMemoryBackend()
	m := openManager(t, backend, strategy)

	// 1. A durable base state.
	pre := make(map[string]string)
	commit(t, m, func(w *WriteTxn) {
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("k%d", i)
			put(t, w, "t", key, "v0")
			pre[key] = "v0"
		}
	})

	// 2. A commit that updates, deletes and adds an overflow value.
	backend.CrashAfterFlushes(n)
	w := beginWrite(t, m)
	for i := 0; i < 5; i++ {
		put(t, w, "t", fmt.Sprintf("k%d", i), "v1")
	}
	assert.True(t, del(t, w, "t", "k5"))
	put(t, w, "t", "big", strings.Repeat("b", 3000))
	post := contents(t, w.Pages(), w.Catalog(), "t")
	err := w.Commit(context.Background())
	survived := !backend.Crashed()
	if survived {
		require.NoError(t, err)
	} else {
		require.ErrorIs(t, err, flushmanager.ErrSimulatedCrash)
		assert.Equal(t, TxnStateAborted, w.State())
	}
	require.NoError(t, m.Close(context.Background()))

	// 3. Every image recovers to one of the two states.
	for _, mode := range crashModes {
		recovered := openManager(t, backend.CrashImage(mode), strategy)
		got := latest(t, recovered, "t")
		if survived || !assert.ObjectsAreEqual(pre, got) {
			assert.Equal(t, post, got, "flush %d mode %d", n, mode)
		}
		check(t, recovered)

		// The recovered file takes new commits.
		commit(t, recovered, func(w *WriteTxn) { put(t, w, "t", "after", "crash") })
		assert.Equal(t, "crash", latest(t, recovered, "t")["after"])
		check(t, recovered)
		require.NoError(t, recovered.Close(context.Background()))
	}
	return survived
}
