package status

import (
	"testing"

	"go.uber.org/fx"

	"go.drove.dev/drove/cmd/providers/providerstest"
)

func TestApp(t *testing.T) {
	providerstest.Validate(t, fx.Invoke(run))
}
