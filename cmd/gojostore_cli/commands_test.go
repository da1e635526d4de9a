package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/api/store"
	"github.com/sushant-115/gojostore/pkg/codec"
)

func newShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	db, err := store.Open("", store.Options{Backend: store.BackendMemory, RegionPages: 64, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	out := &bytes.Buffer{}
	return &shell{db: db, out: out}, out
}

func (s *shell) mustRun(t *testing.T, line string) string {
	t.Helper()
	out := s.out.(*bytes.Buffer)
	out.Reset()
	require.NoError(t, s.exec(context.Background(), strings.Fields(line)), line)
	return out.String()
}

// TestPutGetDel drives a string table through the shell.
func TestPutGetDel(t *testing.T) {
	s, _ := newShell(t)

	// 1. put creates a string table.
	s.mustRun(t, "put users ada Ada Lovelace")
	s.mustRun(t, "put users bob Bob")
	assert.Equal(t, "Ada Lovelace\n", s.mustRun(t, "get users ada"))
	assert.Contains(t, s.mustRun(t, "put users bob Robert"), "replaced Bob")

	// 2. tables and scan.
	assert.Regexp(t, `users\s+table\s+string\s+string\s+2`, s.mustRun(t, "tables"))
	assert.Equal(t, "ada\tAda Lovelace\nbob\tRobert\n", s.mustRun(t, "scan users"))
	assert.Equal(t, "ada\tAda Lovelace\n... 1 more\n", s.mustRun(t, "scan users 1"))

	// 3. del and drop.
	assert.Equal(t, "removed 1\n", s.mustRun(t, "del users ada"))
	assert.Equal(t, "(not found)\n", s.mustRun(t, "get users ada"))
	s.mustRun(t, "drop users")
	err := s.exec(context.Background(), []string{"get", "users", "bob"})
	assert.ErrorIs(t, err, store.ErrTableDoesNotExist)
}

// TestTypedTables formats tables created by typed code.
func TestTypedTables(t *testing.T) {
	s, _ := newShell(t)
	ctx := context.Background()

	// 1. A u64 -> i64 table and a multimap written through the API.
	require.NoError(t, s.db.Update(ctx, func(tx *store.WriteTransaction) error {
		counters, err := store.OpenTable(tx, store.NewTableDefinition("counters", codec.Uint64(), codec.Int64()))
		require.NoError(t, err)
		for _, k := range []uint64{300, 2, 10} {
			_, _, err := counters.Insert(k, -int64(k))
			require.NoError(t, err)
		}
		tags, err := store.OpenMultimapTable(tx, store.NewMultimapTableDefinition("tags", codec.String(), codec.String()))
		require.NoError(t, err)
		for _, v := range []string{"math", "poetry"} {
			_, err := tags.Insert("ada", v)
			require.NoError(t, err)
		}
		return nil
	}))

	// 2. Keys come back in numeric order and decode.
	assert.Equal(t, "2\t-2\n10\t-10\n300\t-300\n", s.mustRun(t, "scan counters"))
	assert.Equal(t, "-10\n", s.mustRun(t, "get counters 10"))
	s.mustRun(t, "put counters 7 -7")
	assert.Equal(t, "-7\n", s.mustRun(t, "get counters 7"))
	err := s.exec(ctx, []string{"put", "counters", "seven", "1"})
	assert.ErrorIs(t, err, codec.ErrMalformed)

	// 3. Multimap keys list every value.
	assert.Equal(t, "math\npoetry\n", s.mustRun(t, "get tags ada"))
	s.mustRun(t, "put tags ada code")
	assert.Equal(t, "removed 1\n", s.mustRun(t, "del tags ada math"))
	assert.Equal(t, "code\npoetry\n", s.mustRun(t, "get tags ada"))
	assert.Equal(t, "removed 2\n", s.mustRun(t, "del tags ada"))
}

// TestDigestAndCheck hashes contents independently of history.
func TestDigestAndCheck(t *testing.T) {
	a, _ := newShell(t)
	b, _ := newShell(t)

	// 1. Same contents reached by different histories.
	a.mustRun(t, "put t x 1")
	a.mustRun(t, "put t y 2")
	b.mustRun(t, "put t y 2")
	b.mustRun(t, "put t z 3")
	b.mustRun(t, "put t x 1")
	b.mustRun(t, "del t z")

	// 2. Equal digests; a change shows.
	da := a.mustRun(t, "digest t")
	assert.Equal(t, da, b.mustRun(t, "digest t"))
	assert.Contains(t, da, "(2 entries)")
	b.mustRun(t, "put t x 9")
	assert.NotEqual(t, da, b.mustRun(t, "digest t"))

	// 3. check and stats run clean.
	assert.Contains(t, a.mustRun(t, "check"), "ok:")
	assert.Contains(t, a.mustRun(t, "stats"), "tree height")
}

// TestUsage reports wrong arguments with the command's usage.
func TestUsage(t *testing.T) {
	s, _ := newShell(t)
	err := s.exec(context.Background(), []string{"get", "users"})
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, err.Error(), "get <table> <key>")
	assert.Error(t, s.exec(context.Background(), []string{"frobnicate"}))
	assert.Contains(t, s.mustRun(t, "help"), "digest <table>")
}
