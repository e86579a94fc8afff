package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dd0wney/cluso-kv/pkg/logging"
)

// ReloadFunc re-reads configuration on SIGHUP.
type ReloadFunc func() error

// WaitForShutdown blocks until SIGINT, SIGTERM or ctx is done. SIGHUP calls
// reload, if set, and keeps waiting.
func WaitForShutdown(ctx context.Context, logger logging.Logger, reload ReloadFunc) {
	logger = logging.OrDefault(logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if sig != syscall.SIGHUP {
				logger.Info("shutting down", logging.String("signal", sig.String()))
				return
			}
			if reload == nil {
				logger.Info("reload requested but not supported")
				continue
			}
			if err := reload(); err != nil {
				logger.Error("config reload failed", logging.Error(err))
				continue
			}
			logger.Info("config reloaded")
		}
	}
}
