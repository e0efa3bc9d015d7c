package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"
)

// autoMaxProcs sets GOMAXPROCS to match the container's CPU quota,
// logging the outcome through the context logger instead of maxprocs'
// own printf-style logger.
func autoMaxProcs(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	_, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Info().Msg(diffInfof(format, args...))
	}))
	if err != nil {
		return fmt.Errorf("error setting GOMAXPROCS: %w", err)
	}

	return nil
}

// diffInfof formats a maxprocs log line the same way its default logger
// would, without pulling in a second logging stack.
func diffInfof(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
