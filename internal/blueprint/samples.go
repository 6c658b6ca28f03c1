package blueprint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowengine/flowengine/internal/model"
	"github.com/flowengine/flowengine/internal/runctx"
)

// RegisterSamples wires the seed-test blueprints used by the
// integration suite: an echo happy-path blueprint and a sleep
// blueprint with selectable outcome, used to drive both wait_runs
// policies (`all` and `any`) deterministically.
func RegisterSamples(r *Registry) {
	r.Register("core.test.echo@v1", echoBlueprint)
	r.Register("core.test.sleep@v1", sleepBlueprint)
}

// echoBlueprint records a single step and returns its inputs as
// outputs, exercising the full step-recording path with no external
// side effects.
func echoBlueprint(ctx context.Context, rc *runctx.RunContext, inputs json.RawMessage) (json.RawMessage, error) {
	return rc.Step(ctx, "echo", model.StepKindActionTask, func(ctx context.Context) (json.RawMessage, error) {
		return inputs, nil
	})
}

type sleepInputs struct {
	DurationMS int  `json:"duration_ms"`
	Fail       bool `json:"fail"`
}

// sleepBlueprint sleeps for the requested duration and then succeeds
// or fails according to its inputs, letting seed tests construct DAGs
// with a deterministic mix of completed/failed children.
func sleepBlueprint(ctx context.Context, rc *runctx.RunContext, inputs json.RawMessage) (json.RawMessage, error) {
	var in sleepInputs
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &in); err != nil {
			return nil, fmt.Errorf("sleep blueprint: decode inputs: %w", err)
		}
	}
	return rc.Step(ctx, "sleep", model.StepKindActionTask, func(ctx context.Context) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(in.DurationMS) * time.Millisecond):
		}
		if in.Fail {
			return nil, fmt.Errorf("sleep blueprint: requested failure")
		}
		return json.RawMessage(`{"slept_ms":` + fmt.Sprint(in.DurationMS) + `}`), nil
	})
}
