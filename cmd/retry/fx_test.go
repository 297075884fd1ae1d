package retry

import (
	"testing"

	"go.uber.org/fx"

	"go.drove.dev/drove/cmd/providers/providerstest"
)

func TestFxPlan(t *testing.T) {
	providerstest.Validate(t, fx.Invoke(runPlan))
}

func TestFxDispatch(t *testing.T) {
	providerstest.Validate(t, fx.Invoke(runDispatch))
}
