// Package cli implements the forgeflow command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/internal/core"
)

// Env carries everything a command needs to open and talk to the store.
type Env struct {
	Root       string
	ConfigPath string
	Config     config.Config
	Logger     *zap.Logger

	// Stdin is the interactive input, used by the dlq console.
	Stdin io.Reader

	opened *core.Core
}

// Open opens the store once per invocation, replaying the journal.
func (e *Env) Open() (*core.Core, error) {
	return e.open(false)
}

// OpenForInspection opens without journal recovery so pending intents stay
// on disk for the operator to examine.
func (e *Env) OpenForInspection() (*core.Core, error) {
	return e.open(true)
}

func (e *Env) open(skipRecovery bool) (*core.Core, error) {
	if e.opened != nil {
		return e.opened, nil
	}

	c, err := core.Open(e.Root, core.Options{
		Logger:       e.Logger,
		Config:       e.Config,
		SkipRecovery: skipRecovery,
	})
	if err != nil {
		return nil, err
	}

	e.opened = c

	return c, nil
}

// Run is the CLI entry point. Returns the process exit code.
func Run(stdin io.Reader, out, errOut io.Writer, args []string) int {
	o := NewIO(out, errOut)

	global := flag.NewFlagSet("forgeflow", flag.ContinueOnError)
	global.SetOutput(io.Discard)

	root := global.String("root", "", "store root directory (default from config, then \".\")")
	configPath := global.String("config", "", "path to the forgeflow config file")
	verbose := global.BoolP("verbose", "v", false, "debug logging to stderr")

	err := global.Parse(args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			printUsage(o)

			return 0
		}

		o.ErrPrintln("error:", err)

		return 1
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(o)

		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	if *root != "" {
		cfg.Root = *root
	}

	logger, err := buildLogger(cfg.LogLevel, *verbose)
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	defer func() { _ = logger.Sync() }()

	env := &Env{
		Root:       cfg.Root,
		ConfigPath: *configPath,
		Config:     cfg,
		Logger:     logger,
		Stdin:      stdin,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := rest[0]
	if name == "-h" || name == "--help" || name == "help" {
		printUsage(o)

		return 0
	}

	for _, cmd := range commands() {
		if cmd.Name() == name {
			return cmd.Run(ctx, env, o, rest[1:])
		}
	}

	o.ErrPrintln("error: unknown command:", name)
	printUsage(o)

	return 1
}

func commands() []*Command {
	return []*Command{
		cmdRecover(),
		cmdVerify(),
		cmdMaps(),
		cmdRun(),
		cmdIncident(),
		cmdDLQ(),
		cmdServe(),
	}
}

func printUsage(o *IO) {
	o.Println("Usage: forgeflow [--root <dir>] [--config <file>] <command> [args]")
	o.Println()
	o.Println("Commands:")

	for _, cmd := range commands() {
		o.Println(cmd.HelpLine())
	}

	o.Println()
	o.Println("Run 'forgeflow <command> --help' for command details.")
}

func buildLogger(level string, verbose bool) (*zap.Logger, error) {
	parsed := zapcore.InfoLevel

	if level != "" {
		var err error

		parsed, err = zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}

	if verbose {
		parsed = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.OutputPaths = []string{"stderr"}

	return cfg.Build()
}
