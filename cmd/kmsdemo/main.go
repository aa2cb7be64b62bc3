// Command kmsdemo runs the display backend on its own and paints a moving
// test pattern on every output.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fyshos/kms/backend"
	"github.com/fyshos/kms/config"
	"github.com/fyshos/kms/logging"
)

func main() {
	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Debug)
	defer logger.Sync()
	if f := loader.File(); f != "" {
		logger.Infow("using config", "file", f)
	}
	loader.Watch(func(s *config.Settings, err error) {
		if err != nil {
			logger.Warnw("ignoring config change", "error", err)
			return
		}
		logger.SetDebug(s.Debug)
	})

	d := newDemo(logger.Named("demo"))
	b, err := backend.New(cfg, d, logger)
	if err != nil {
		logger.Fatalw("could not start backend", "error", err)
	}
	logger.Infow("backend started", "kind", b.Kind())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		b.Stop()
	}()

	if err := b.Run(); err != nil {
		logger.Errorw("backend failed", "error", err)
		os.Exit(1)
	}
}
