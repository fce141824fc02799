package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/hearth/internal/app"
)

// RunCmd starts the assistant.
// Usage: hearth run --addr :8080
type RunCmd struct {
	Addr  string `short:"a" long:"addr" description:"listen address (overrides APP_BIND_ADDR)"`
	Audio string `long:"audio" choice:"local" choice:"ws" choice:"null" description:"audio device (overrides AUDIO_DEVICE)"`
}

func (c *RunCmd) Execute(_ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.BindAddr = c.Addr
	}
	if c.Audio != "" {
		cfg.AudioDevice = c.Audio
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}()
	logger.Info("hearth starting",
		"voice", res.Voice.Detail,
		"wakeword", cfg.WakeWordEngine,
		"audio", cfg.AudioDevice,
		"speaker_id", res.Speakers != nil,
	)
	return app.Serve(ctx, res)
}
