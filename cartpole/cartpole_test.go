package cartpole

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/smnsjas/go-vecenv/env"
	"github.com/smnsjas/go-vecenv/spaces"
)

func newTestEnv(t *testing.T, cfg Config) *Env {
	t.Helper()
	e, err := New(mustConfig(t, cfg))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e.(*Env)
}

func mustConfig(t *testing.T, cfg Config) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return data
}

// balance pushes toward the side the pole leans to.
func balance(result *env.StepResult) env.Action {
	theta := result.Obs[0][2]
	if theta > 0 {
		return env.Action{{1}}
	}
	return env.Action{{0}}
}

func TestResetStateWithinBounds(t *testing.T) {
	e := newTestEnv(t, Config{Seed: 7})
	result, err := e.Reset()
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if len(result.Obs) != 1 || len(result.Obs[0]) != 4 {
		t.Fatalf("Reset() obs shape = %dx%d, want 1x4", len(result.Obs), len(result.Obs[0]))
	}
	for i, v := range result.Obs[0] {
		if math.Abs(v) > 0.05 {
			t.Fatalf("obs[%d] = %v outside [-0.05, 0.05]", i, v)
		}
	}
}

func TestConstantPushEndsEpisode(t *testing.T) {
	e := newTestEnv(t, Config{Seed: 1})
	if _, err := e.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	for step := 1; step <= defaultMaxSteps; step++ {
		result, err := e.Step(env.Action{{1}})
		if err != nil {
			t.Fatalf("Step() %d error = %v", step, err)
		}
		if result.Done.All() {
			if step >= defaultMaxSteps {
				t.Fatalf("episode only ended at the step limit")
			}
			if result.Rewards[0] != 0 {
				t.Fatalf("falling step reward = %v, want 0", result.Rewards[0])
			}
			if result.Info["truncated"] != nil {
				t.Fatal("fall marked as truncation")
			}
			return
		}
		if result.Rewards[0] != 1 {
			t.Fatalf("step %d reward = %v, want 1", step, result.Rewards[0])
		}
	}
	t.Fatal("constant push never ended the episode")
}

func TestBalancingPolicySurvives(t *testing.T) {
	e := newTestEnv(t, Config{Seed: 3})
	reset, err := e.Reset()
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	result := &env.StepResult{Obs: reset.Obs}
	for step := 1; step <= 50; step++ {
		result, err = e.Step(balance(result))
		if err != nil {
			t.Fatalf("Step() %d error = %v", step, err)
		}
		if result.Done.All() {
			t.Fatalf("balancing policy fell at step %d", step)
		}
	}
}

func TestTruncationAtStepLimit(t *testing.T) {
	e := newTestEnv(t, Config{Seed: 3, MaxSteps: 10})
	reset, err := e.Reset()
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	result := &env.StepResult{Obs: reset.Obs}
	for step := 1; step <= 10; step++ {
		result, err = e.Step(balance(result))
		if err != nil {
			t.Fatalf("Step() %d error = %v", step, err)
		}
		if got := result.Done.All(); got != (step == 10) {
			t.Fatalf("step %d done = %v", step, got)
		}
	}
	if result.Info["truncated"] != true {
		t.Fatalf("Info[truncated] = %v, want true", result.Info["truncated"])
	}
	if result.Rewards[0] != 1 {
		t.Fatalf("truncating step reward = %v, want 1", result.Rewards[0])
	}
}

func TestSeedReproducibility(t *testing.T) {
	first := newTestEnv(t, Config{Seed: 42})
	second := newTestEnv(t, Config{Seed: 42})

	firstReset, err := first.Reset()
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	secondReset, err := second.Reset()
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	for i := range firstReset.Obs[0] {
		if firstReset.Obs[0][i] != secondReset.Obs[0][i] {
			t.Fatalf("reset obs[%d] diverged: %v vs %v", i, firstReset.Obs[0][i], secondReset.Obs[0][i])
		}
	}

	for step := 0; step < 20; step++ {
		action := env.Action{{float64(step % 2)}}
		a, err := first.Step(action)
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		b, err := second.Step(action)
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		for i := range a.Obs[0] {
			if a.Obs[0][i] != b.Obs[0][i] {
				t.Fatalf("step %d obs[%d] diverged: %v vs %v", step, i, a.Obs[0][i], b.Obs[0][i])
			}
		}
	}
}

func TestStepRejectsMalformedActions(t *testing.T) {
	tests := []struct {
		name   string
		action env.Action
	}{
		{"no rows", env.Action{}},
		{"two rows", env.Action{{1}, {0}}},
		{"wide row", env.Action{{1, 0}}},
		{"index out of range", env.Action{{2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, Config{Seed: 1})
			if _, err := e.Reset(); err != nil {
				t.Fatalf("Reset() error = %v", err)
			}
			if _, err := e.Step(tt.action); err == nil {
				t.Fatal("Step() accepted malformed action")
			}
		})
	}
}

func TestResetTaskResamplesPoleLength(t *testing.T) {
	e := newTestEnv(t, Config{Seed: 11})
	if e.length != halfLength {
		t.Fatalf("initial length = %v, want %v", e.length, halfLength)
	}
	if _, err := e.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if _, err := e.Step(env.Action{{1}}); err != nil {
		t.Fatalf("Step() error = %v", err)
	}

	obs, err := e.ResetTask()
	if err != nil {
		t.Fatalf("ResetTask() error = %v", err)
	}
	if len(obs) != 1 || len(obs[0]) != 4 {
		t.Fatalf("ResetTask() obs shape = %dx%d, want 1x4", len(obs), len(obs[0]))
	}
	if e.length < halfLengthMin || e.length > halfLengthMax {
		t.Fatalf("resampled length = %v outside [%v, %v]", e.length, halfLengthMin, halfLengthMax)
	}
	if e.steps != 0 {
		t.Fatalf("steps = %d after task reset, want 0", e.steps)
	}
}

func TestRender(t *testing.T) {
	e := newTestEnv(t, Config{Seed: 5})
	if _, err := e.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	frame, err := e.Render(env.ModeRGBArray)
	if err != nil {
		t.Fatalf("Render(rgb_array) error = %v", err)
	}
	if frame.Height != frameHeight || frame.Width != frameWidth {
		t.Fatalf("frame = %dx%d, want %dx%d", frame.Height, frame.Width, frameHeight, frameWidth)
	}
	if len(frame.Pixels) != frameHeight*frameWidth*3 {
		t.Fatalf("pixel buffer length = %d", len(frame.Pixels))
	}
	var white bool
	for i := 0; i < len(frame.Pixels); i += 3 {
		if frame.Pixels[i] == 255 && frame.Pixels[i+1] == 255 && frame.Pixels[i+2] == 255 {
			white = true
			break
		}
	}
	if !white {
		t.Fatal("frame has no cart pixels")
	}

	frame, err = e.Render(env.ModeHuman)
	if err != nil {
		t.Fatalf("Render(human) error = %v", err)
	}
	if frame != nil {
		t.Fatal("Render(human) returned a frame")
	}
}

func TestSpaces(t *testing.T) {
	e := newTestEnv(t, Config{})

	obs := e.ObservationSpace()
	if err := obs.Validate(); err != nil {
		t.Fatalf("ObservationSpace().Validate() error = %v", err)
	}
	if got := obs.FlatDim(); got != 4 {
		t.Fatalf("ObservationSpace().FlatDim() = %d, want 4", got)
	}

	action := e.ActionSpace()
	if err := action.Validate(); err != nil {
		t.Fatalf("ActionSpace().Validate() error = %v", err)
	}
	if action.Kind != spaces.KindDiscrete || action.N != 2 {
		t.Fatalf("ActionSpace() = %v, want Discrete(2)", action)
	}

	if got := e.SharedObservationSpace().FlatDim(); got != 4 {
		t.Fatalf("SharedObservationSpace().FlatDim() = %d, want 4", got)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(json.RawMessage(`{"max_steps": -1}`)); err == nil {
		t.Fatal("New() accepted negative max_steps")
	}
	if _, err := New(json.RawMessage(`{`)); err == nil {
		t.Fatal("New() accepted malformed JSON")
	} else if !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("New() error = %v, want parse config", err)
	}
}

func TestRegisterAndSpec(t *testing.T) {
	Register()
	Register()

	spec, err := NewSpec(Config{Seed: 9, MaxSteps: 20})
	if err != nil {
		t.Fatalf("NewSpec() error = %v", err)
	}
	if spec.Name != Name {
		t.Fatalf("spec name = %q, want %q", spec.Name, Name)
	}

	built, err := env.New(spec)
	if err != nil {
		t.Fatalf("env.New() error = %v", err)
	}
	defer built.Close()
	if built.(*Env).maxSteps != 20 {
		t.Fatalf("maxSteps = %d, want 20", built.(*Env).maxSteps)
	}
}
