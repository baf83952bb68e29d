package common

import (
	"time"

	"github.com/repoindex/repoindex/internal/common/logctx"
)

// ContextWithDefaultTimeout is for one-off commands that talk to the log or the database.
func ContextWithDefaultTimeout() (*logctx.Context, func()) {
	return logctx.WithTimeout(logctx.Background(), 10*time.Second)
}
