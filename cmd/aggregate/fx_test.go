package aggregate

import (
	"testing"

	"go.uber.org/fx"

	"go.drove.dev/drove/cmd/providers/providerstest"
)

func TestFx(t *testing.T) {
	providerstest.Validate(t, fx.Invoke(run))
}
