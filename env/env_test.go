package env

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/smnsjas/go-vecenv/spaces"
)

func TestDoneAll(t *testing.T) {
	tests := []struct {
		name     string
		done     Done
		expected bool
	}{
		{"empty", Done{}, false},
		{"nil", nil, false},
		{"single true", Done{true}, true},
		{"single false", Done{false}, false},
		{"all true", Done{true, true, true}, true},
		{"one false", Done{true, false, true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.done.All(); got != tt.expected {
				t.Errorf("All() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDoneAny(t *testing.T) {
	tests := []struct {
		name     string
		done     Done
		expected bool
	}{
		{"empty", Done{}, false},
		{"all false", Done{false, false}, false},
		{"one true", Done{false, true, false}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.done.Any(); got != tt.expected {
				t.Errorf("Any() = %v, want %v", got, tt.expected)
			}
		})
	}
}

// stubEnv is a minimal Environment for registry tests.
type stubEnv struct {
	config json.RawMessage
}

func (s *stubEnv) Reset() (*ResetResult, error)         { return &ResetResult{Obs: [][]float64{{0}}}, nil }
func (s *stubEnv) Step(Action) (*StepResult, error)     { return &StepResult{}, nil }
func (s *stubEnv) ObservationSpace() spaces.Space       { return spaces.Box([]float64{0}, []float64{1}) }
func (s *stubEnv) SharedObservationSpace() spaces.Space { return spaces.Box([]float64{0}, []float64{1}) }
func (s *stubEnv) ActionSpace() spaces.Space            { return spaces.Discrete(2) }
func (s *stubEnv) Close() error                         { return nil }

func TestRegistry(t *testing.T) {
	Register("registry-test", func(config json.RawMessage) (Environment, error) {
		return &stubEnv{config: config}, nil
	})

	e, err := New(Spec{Name: "registry-test", Config: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	stub, ok := e.(*stubEnv)
	if !ok {
		t.Fatalf("expected *stubEnv, got %T", e)
	}
	if string(stub.config) != `{"x":1}` {
		t.Errorf("config not passed through: %s", stub.config)
	}
}

func TestRegistryUnknownName(t *testing.T) {
	_, err := New(Spec{Name: "no-such-environment"})
	if err == nil {
		t.Fatal("expected error for unknown environment name")
	}
}

func TestRegistryFactoryError(t *testing.T) {
	wantErr := errors.New("bad config")
	Register("registry-test-failing", func(json.RawMessage) (Environment, error) {
		return nil, wantErr
	})

	_, err := New(Spec{Name: "registry-test-failing"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error to be wrapped, got %v", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()

	Register("registry-test-dup", func(json.RawMessage) (Environment, error) { return &stubEnv{}, nil })
	Register("registry-test-dup", func(json.RawMessage) (Environment, error) { return &stubEnv{}, nil })
}

func TestRegisterNilFactoryPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on nil factory")
		}
	}()

	Register("registry-test-nil", nil)
}
