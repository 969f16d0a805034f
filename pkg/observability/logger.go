package observability

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/facebookincubator/go-belt/tool/logger/types"
	upstreamlogrus "github.com/sirupsen/logrus"
)

// NewLogger returns the default Logger for the biscuitflash family of tools.
//
// The operator-facing output of the tool goes through stdout directly; the
// logger is the diagnostic channel (stderr), so timestamps are omitted to
// keep it readable next to the interactive prompts.
func NewLogger(ctx context.Context, opts ...types.Option) logger.Logger {
	l := logrus.DefaultLogrusLogger()
	l.Formatter = &upstreamlogrus.TextFormatter{
		DisableTimestamp: true,
	}

	result := logrus.New(l)
	result = result.WithLevel(logger.LevelTrace)
	return result
}
