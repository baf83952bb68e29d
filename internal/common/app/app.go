package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/repoindex/repoindex/internal/common/logctx"
)

// CreateContextWithShutdown returns a context that is cancelled when the process receives SIGINT or SIGTERM.
func CreateContextWithShutdown() *logctx.Context {
	ctx, cancel := logctx.WithCancel(logctx.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			ctx.Log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return ctx
}
