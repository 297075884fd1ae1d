// Package providerstest validates subcommand dependency graphs without
// connecting to any backend.
package providerstest

import (
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"go.uber.org/fx"
	"go.uber.org/zap/zaptest"

	"go.drove.dev/drove/cmd/providers"
)

// Validate asserts that the fx graph for a subcommand resolves.
func Validate(t *testing.T, opts ...fx.Option) {
	opts = append(opts,
		fx.Supply(
			zaptest.NewLogger(t),
			context.Background(),
			new(cobra.Command),
			[]string{},
		),
		fx.Logger(testFxLogger{t}),
		fx.Provide(providers.Providers...))
	assert.NoError(t, fx.ValidateApp(opts...))
}

type testFxLogger struct {
	testing.TB
}

func (l testFxLogger) Printf(fmt string, args ...interface{}) {
	l.Logf(fmt, args...)
}
