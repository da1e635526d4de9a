package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"

	"github.com/sushant-115/gojostore/api/store"
	"github.com/sushant-115/gojostore/pkg/codec"
)

const defaultScanLimit = 100

var errUsage = errors.New("usage")

// shell runs admin commands against one open database.
type shell struct {
	db  *store.DB
	out io.Writer
}

type command struct {
	usage string
	help  string
	run   func(s *shell, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"tables": {"tables", "list tables with their types and lengths", (*shell).tables},
		"stats":  {"stats", "space usage of the latest commit", (*shell).stats},
		"check":  {"check", "verify every page and the allocator", (*shell).check},
		"digest": {"digest <table>", "blake3 hash of a table's contents", (*shell).digest},
		"get":    {"get <table> <key>", "print the value, or values, of a key", (*shell).get},
		"put":    {"put <table> <key> <value...>", "store a value; new tables map string to string", (*shell).put},
		"del":    {"del <table> <key> [value]", "remove a key, or one value of a multimap key", (*shell).del},
		"scan":   {"scan <table> [limit]", "print entries in key order", (*shell).scan},
		"drop":   {"drop <table>", "delete a table", (*shell).drop},
		"help":   {"help", "this list", (*shell).help},
	}
}

func commandNames() []string {
	return []string{"tables", "stats", "check", "digest", "get", "put", "del", "scan", "drop", "help"}
}

// exec runs one command line split into fields.
func (s *shell) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	cmd, ok := commands[strings.ToLower(args[0])]
	if !ok {
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	err := cmd.run(s, ctx, args[1:])
	if errors.Is(err, errUsage) {
		return fmt.Errorf("%w: %s", errUsage, cmd.usage)
	}
	return err
}

func (s *shell) help(context.Context, []string) error {
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	for _, name := range commandNames() {
		fmt.Fprintf(w, "  %s\t%s\n", commands[name].usage, commands[name].help)
	}
	fmt.Fprintln(w, "  exit / quit\t")
	return w.Flush()
}

func (s *shell) tables(context.Context, []string) error {
	return s.db.View(func(tx *store.ReadTransaction) error {
		infos, err := tx.Tables()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tKEY\tVALUE\tLENGTH")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", info.Name, info.Kind, info.KeyType, info.ValueType, humanize.Comma(int64(info.Length)))
		}
		return w.Flush()
	})
}

func (s *shell) stats(context.Context, []string) error {
	st, err := s.db.Stats()
	if err != nil {
		return err
	}
	pageBytes := func(n uint64) string { return humanize.IBytes(n * uint64(st.PageSize)) }
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "generation\t%d (durable %d)\n", st.Generation, st.DurableGen)
	fmt.Fprintf(w, "file size\t%s in %d regions of %s\n", humanize.IBytes(st.FileBytes), st.Regions, pageBytes(uint64(st.RegionPages)))
	fmt.Fprintf(w, "entries\t%s\n", humanize.Comma(int64(st.Entries)))
	fmt.Fprintf(w, "tree height\t%d\n", st.TreeHeight)
	fmt.Fprintf(w, "allocated\t%s\n", pageBytes(st.AllocatedPages))
	fmt.Fprintf(w, "leaf / branch / overflow\t%s / %s / %s\n", pageBytes(st.LeafPages), pageBytes(st.BranchPages), pageBytes(st.OverflowPages))
	fmt.Fprintf(w, "stored\t%s\n", humanize.IBytes(st.StoredBytes))
	fmt.Fprintf(w, "metadata\t%s\n", humanize.IBytes(st.MetadataBytes))
	fmt.Fprintf(w, "fragmented\t%s\n", humanize.IBytes(st.FragmentedBytes))
	fmt.Fprintf(w, "free / pending\t%s / %s\n", pageBytes(st.FreePages), pageBytes(st.PendingPages))
	fmt.Fprintf(w, "readers / savepoints\t%d / %d\n", st.ActiveReaders, st.Savepoints)
	fmt.Fprintf(w, "cache hits / misses\t%s / %s\n", humanize.Comma(int64(st.CacheHits)), humanize.Comma(int64(st.CacheMisses)))
	return w.Flush()
}

func (s *shell) check(ctx context.Context, _ []string) error {
	pages, err := s.db.Check(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "ok: %s pages in use by tables\n", humanize.Comma(int64(pages)))
	return nil
}

func findTable(infos []*store.TableInfo, name string) (*store.TableInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return nil, false
}

func lookupTable(infos []*store.TableInfo, err error, name string) (*store.TableInfo, error) {
	if err != nil {
		return nil, err
	}
	info, ok := findTable(infos, name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrTableDoesNotExist, name)
	}
	return info, nil
}

func rawTable(info *store.TableInfo) store.TableDefinition[[]byte, []byte] {
	return store.TableDefinition[[]byte, []byte]{Name: info.Name, Key: codec.Raw(info.KeyType), Value: codec.Raw(info.ValueType)}
}

func rawMultimap(info *store.TableInfo) store.MultimapTableDefinition[[]byte, []byte] {
	return store.MultimapTableDefinition[[]byte, []byte]{Name: info.Name, Key: codec.Raw(info.KeyType), Value: codec.Raw(info.ValueType)}
}

// each calls fn for every stored pair of a table in key order; multimap keys
// yield one call per value.
func each(tx *store.ReadTransaction, info *store.TableInfo, fn func(key, value []byte) bool) error {
	if info.Kind == store.KindMultimap {
		t, err := store.OpenReadOnlyMultimapTable(tx, rawMultimap(info))
		if err != nil {
			return err
		}
		it, err := t.Range(store.AllKeys[[]byte]())
		if err != nil {
			return err
		}
		for it.Next() {
			values := it.Values()
			for values.Next() {
				if !fn(it.Key(), values.Value()) {
					return nil
				}
			}
			if err := values.Err(); err != nil {
				return err
			}
		}
		return it.Err()
	}
	t, err := store.OpenReadOnlyTable(tx, rawTable(info))
	if err != nil {
		return err
	}
	it, err := t.Range(store.AllKeys[[]byte]())
	if err != nil {
		return err
	}
	for it.Next() {
		if !fn(it.Entry().Key, it.Entry().Value) {
			return nil
		}
	}
	return it.Err()
}

func (s *shell) digest(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	return s.db.View(func(tx *store.ReadTransaction) error {
		infos, err := tx.Tables()
		info, err := lookupTable(infos, err, args[0])
		if err != nil {
			return err
		}
		h := blake3.New()
		var (
			n   uint64
			buf []byte
		)
		err = each(tx, info, func(key, value []byte) bool {
			buf = binary.AppendUvarint(buf[:0], uint64(len(key)))
			buf = append(buf, key...)
			buf = binary.AppendUvarint(buf, uint64(len(value)))
			buf = append(buf, value...)
			_, _ = h.Write(buf)
			n++
			return true
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s  %s (%s entries)\n", hex.EncodeToString(h.Sum(nil)), info.Name, humanize.Comma(int64(n)))
		return nil
	})
}

func (s *shell) get(_ context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	return s.db.View(func(tx *store.ReadTransaction) error {
		infos, err := tx.Tables()
		info, err := lookupTable(infos, err, args[0])
		if err != nil {
			return err
		}
		key, err := codec.Parse(info.KeyType, args[1])
		if err != nil {
			return err
		}
		if info.Kind == store.KindMultimap {
			t, err := store.OpenReadOnlyMultimapTable(tx, rawMultimap(info))
			if err != nil {
				return err
			}
			values, err := t.Get(key, false)
			if err != nil {
				return err
			}
			for values.Next() {
				fmt.Fprintln(s.out, codec.Format(info.ValueType, values.Value()))
			}
			return values.Err()
		}
		t, err := store.OpenReadOnlyTable(tx, rawTable(info))
		if err != nil {
			return err
		}
		value, found, err := t.Get(key)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(s.out, "(not found)")
			return nil
		}
		fmt.Fprintln(s.out, codec.Format(info.ValueType, value))
		return nil
	})
}

func (s *shell) put(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errUsage
	}
	return s.db.Update(ctx, func(tx *store.WriteTransaction) error {
		infos, err := tx.Tables()
		if err != nil {
			return err
		}
		info, ok := findTable(infos, args[0])
		if !ok {
			info = &store.TableInfo{Name: args[0], Kind: store.KindTable, KeyType: "string", ValueType: "string"}
		}
		key, err := codec.Parse(info.KeyType, args[1])
		if err != nil {
			return err
		}
		value, err := codec.Parse(info.ValueType, strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		if info.Kind == store.KindMultimap {
			t, err := store.OpenMultimapTable(tx, rawMultimap(info))
			if err != nil {
				return err
			}
			existed, err := t.Insert(key, value)
			if err == nil && existed {
				fmt.Fprintln(s.out, "(already present)")
			}
			return err
		}
		t, err := store.OpenTable(tx, rawTable(info))
		if err != nil {
			return err
		}
		old, existed, err := t.Insert(key, value)
		if err == nil && existed {
			fmt.Fprintf(s.out, "replaced %s\n", codec.Format(info.ValueType, old))
		}
		return err
	})
}

func (s *shell) del(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errUsage
	}
	return s.db.Update(ctx, func(tx *store.WriteTransaction) error {
		infos, err := tx.Tables()
		info, err := lookupTable(infos, err, args[0])
		if err != nil {
			return err
		}
		key, err := codec.Parse(info.KeyType, args[1])
		if err != nil {
			return err
		}
		var removed int
		switch {
		case info.Kind == store.KindMultimap && len(args) == 3:
			value, err := codec.Parse(info.ValueType, args[2])
			if err != nil {
				return err
			}
			t, err := store.OpenMultimapTable(tx, rawMultimap(info))
			if err != nil {
				return err
			}
			found, err := t.Remove(key, value)
			if err != nil {
				return err
			}
			if found {
				removed = 1
			}
		case info.Kind == store.KindMultimap:
			t, err := store.OpenMultimapTable(tx, rawMultimap(info))
			if err != nil {
				return err
			}
			values, err := t.RemoveAll(key)
			if err != nil {
				return err
			}
			removed = len(values)
		case len(args) == 3:
			return errUsage
		default:
			t, err := store.OpenTable(tx, rawTable(info))
			if err != nil {
				return err
			}
			_, found, err := t.Remove(key)
			if err != nil {
				return err
			}
			if found {
				removed = 1
			}
		}
		fmt.Fprintf(s.out, "removed %d\n", removed)
		return nil
	})
}

func (s *shell) scan(_ context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	limit := defaultScanLimit
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return errUsage
		}
		limit = n
	}
	return s.db.View(func(tx *store.ReadTransaction) error {
		infos, err := tx.Tables()
		info, err := lookupTable(infos, err, args[0])
		if err != nil {
			return err
		}
		shown := 0
		err = each(tx, info, func(key, value []byte) bool {
			if shown == limit {
				return false
			}
			fmt.Fprintf(s.out, "%s\t%s\n", codec.Format(info.KeyType, key), codec.Format(info.ValueType, value))
			shown++
			return true
		})
		if err != nil {
			return err
		}
		if uint64(shown) < info.Length {
			fmt.Fprintf(s.out, "... %s more\n", humanize.Comma(int64(info.Length)-int64(shown)))
		}
		return nil
	})
}

func (s *shell) drop(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	return s.db.Update(ctx, func(tx *store.WriteTransaction) error {
		deleted, err := tx.DeleteTable(args[0])
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%w: %q", store.ErrTableDoesNotExist, args[0])
		}
		fmt.Fprintf(s.out, "dropped %s\n", args[0])
		return nil
	})
}
