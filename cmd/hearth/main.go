// Command hearth runs the household voice assistant and its maintenance
// tools.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/ent0n29/hearth/internal/config"
	"github.com/ent0n29/hearth/internal/logging"
)

// Options is the root command. Sub-command structs are populated by
// go-flags before their Execute runs.
type Options struct {
	Config   string      `short:"f" long:"config" description:"YAML settings file (environment variables take precedence)"`
	Run      RunCmd      `command:"run" description:"Run the assistant and its HTTP surface"`
	Speakers SpeakersCmd `command:"speakers" description:"Manage enrolled speakers"`
	Perf     PerfCmd     `command:"perf" description:"Replay recorded utterances against a running server and report latency"`
}

var opts Options

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return 0
		}
		fmt.Fprintf(os.Stderr, "hearth: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig reads settings, honoring --config, and installs the process
// logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	if opts.Config != "" {
		if err := os.Setenv("APP_CONFIG_FILE", opts.Config); err != nil {
			return config.Config{}, nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, logging.Init(cfg.LogLevel, cfg.LogFormat), nil
}
