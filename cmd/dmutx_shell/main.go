// Command dmutx_shell is an interactive console over an in-memory pool for
// building transactions by hand and watching how they are admitted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/sushant-115/dmutx/config"
	"github.com/sushant-115/dmutx/internal/engine"
	"github.com/sushant-115/dmutx/pkg/logger"
	"github.com/sushant-115/dmutx/pkg/telemetry"
	"go.uber.org/zap"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("create", readline.PcItem("plain"), readline.PcItem("dir")),
	readline.PcItem("fill"),
	readline.PcItem("fault"),
	readline.PcItem("snapshot"),
	readline.PcItem("begin"),
	readline.PcItem("write"),
	readline.PcItem("free"),
	readline.PcItem("zap"),
	readline.PcItem("bonus"),
	readline.PcItem("spill"),
	readline.PcItem("newobj"),
	readline.PcItem("space"),
	readline.PcItem("assign", readline.PcItem("wait"), readline.PcItem("nowait")),
	readline.PcItem("show"),
	readline.PcItem("commit"),
	readline.PcItem("abort"),
	readline.PcItem("sync"),
	readline.PcItem("stats"),
	readline.PcItem("suspend"),
	readline.PcItem("resume"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	// keep log output off the prompt unless asked for
	if *configPath == "" && *logLevel == "" {
		cfg.Logger.Level = "warn"
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry, zlogger)
	if err != nil {
		zlogger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Error("Failed to shutdown telemetry", zap.Error(err))
		}
	}()

	eng, err := engine.Open(cfg, zlogger, tel)
	if err != nil {
		zlogger.Fatal("Failed to open engine", zap.Error(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	eng.Start(ctx)
	defer func() {
		if err := eng.Close(context.Background()); err != nil {
			zlogger.Error("Failed to close engine", zap.Error(err))
		}
	}()

	if err := run(ctx, eng); err != nil {
		zlogger.Error("Shell exited", zap.Error(err))
	}
}

func run(ctx context.Context, eng *engine.Engine) error {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".dmutx_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "dmutx> ",
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()

	sh := newShell(eng, rl.Stdout())
	fmt.Fprintln(rl.Stdout(), "dmutx shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := sh.exec(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(rl.Stdout(), "Error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
