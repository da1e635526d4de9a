// Command gojostore_cli inspects and edits a gojostore database file, either
// one command at a time or from an interactive shell.
//
//	gojostore_cli -db data.gojo tables
//	gojostore_cli -db data.gojo put users ada lovelace
//	gojostore_cli -config gojostore.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/api/store"
	"github.com/sushant-115/gojostore/config"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
)

func main() {
	var (
		dbPath   = flag.String("db", "", "database file; overrides engine.path")
		cfgPath  = flag.String("config", "", "YAML config file")
		logLevel = flag.String("log-level", "", "log level; overrides logger.level")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [command args...]\n\nflags:\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
		fmt.Fprintln(flag.CommandLine.Output(), "\ncommands (no command starts the shell):")
		_ = (&shell{out: flag.CommandLine.Output()}).help(context.Background(), nil)
	}
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, *cfgPath, *dbPath, *logLevel, flag.Args())
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, dbPath, logLevel string, args []string) (err error) {
	cfg := config.Default()
	cfg.Logger.Level = "warn"
	if cfgPath != "" {
		if cfg, err = config.Load(cfgPath); err != nil {
			return err
		}
	}
	if dbPath != "" {
		cfg.Engine.Path = dbPath
	}
	if logLevel != "" {
		cfg.Logger.Level = logLevel
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = zlogger.Sync() }()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, shutdown(context.Background())) }()

	opts, err := cfg.Engine.StoreOptions()
	if err != nil {
		return err
	}
	opts.Logger = zlogger.Named("store")
	opts.Meter = tel.Meter
	opts.Tracer = tel.Tracer

	db, err := store.Open(cfg.Engine.Path, opts)
	if err != nil {
		return fmt.Errorf("opening %s: %w", cfg.Engine.Path, err)
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	sh := &shell{db: db, out: os.Stdout}
	if len(args) == 0 || args[0] == "shell" {
		return sh.interactive(ctx, zlogger)
	}
	return sh.exec(ctx, args)
}

func (s *shell) completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands)+2)
	for _, name := range commandNames() {
		items = append(items, readline.PcItem(name))
	}
	items = append(items, readline.PcItem("exit"), readline.PcItem("quit"))
	return readline.NewPrefixCompleter(items...)
}

// interactive reads commands until exit, EOF or an interrupt on an empty
// line. Command errors are printed and the shell goes on.
func (s *shell) interactive(ctx context.Context, zlogger *zap.Logger) error {
	history := ""
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, ".gojostore_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojostore> ",
		HistoryFile:     history,
		AutoComplete:    s.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	s.out = rl.Stdout()

	fmt.Fprintf(s.out, "gojostore %s (%s). Type 'help' for commands, 'exit' or 'quit' to leave.\n", s.db.Path(), s.db.Strategy())
	for ctx.Err() == nil {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			return nil
		}
		if err := s.exec(ctx, fields); err != nil {
			zlogger.Debug("command failed", zap.String("command", fields[0]), zap.Error(err))
			fmt.Fprintln(s.out, "error:", err)
		}
	}
	return nil
}
