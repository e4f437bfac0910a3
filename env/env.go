// Package env defines the contract between the pool and the simulations
// it drives.
//
// An Environment is an episodic simulation advanced one step at a time.
// Every value that crosses the boundary is multi-agent shaped: rows index
// agents, so a single-agent environment uses one row throughout.
//
// Environments run inside workers, usually in a different process from
// the pool that drives them. All results therefore cross the boundary by
// value; implementations may reuse internal buffers only if they copy
// before returning.
//
// Optional capabilities (rendering, task resets) are discovered by type
// assertion rather than widening the core interface.
package env

import (
	"encoding/json"

	"github.com/smnsjas/go-vecenv/spaces"
)

// Action is one environment's action for a single step, one row per agent.
type Action [][]float64

// Done flags episode termination, one element per agent.
type Done []bool

// All reports whether every agent is done. An empty vector is never done.
func (d Done) All() bool {
	if len(d) == 0 {
		return false
	}
	for _, v := range d {
		if !v {
			return false
		}
	}
	return true
}

// Any reports whether at least one agent is done.
func (d Done) Any() bool {
	for _, v := range d {
		if v {
			return true
		}
	}
	return false
}

// Info carries auxiliary diagnostics for one step. Values must survive a
// JSON round trip; numbers arrive at the pool side as float64.
type Info map[string]any

// ResetResult is the observable state of a freshly started episode.
type ResetResult struct {
	// Obs holds per-agent observations, one row per agent.
	Obs [][]float64 `json:"obs"`
	// SharedObs holds per-agent global observations, if the environment
	// distinguishes them from Obs.
	SharedObs [][]float64 `json:"shared_obs,omitempty"`
	// AvailableActions masks the legal actions per agent, if the
	// environment restricts them.
	AvailableActions [][]bool `json:"available_actions,omitempty"`
}

// StepResult is the outcome of advancing an environment by one step.
//
// When an episode ends the worker resets the environment in place and
// substitutes Obs, SharedObs and AvailableActions from the new episode.
// Rewards, Done and Info always describe the step that was taken.
type StepResult struct {
	Obs              [][]float64 `json:"obs"`
	SharedObs        [][]float64 `json:"shared_obs,omitempty"`
	Rewards          []float64   `json:"rewards"`
	Done             Done        `json:"done"`
	Info             Info        `json:"info,omitempty"`
	AvailableActions [][]bool    `json:"available_actions,omitempty"`
}

// RenderMode selects the render output form.
type RenderMode string

const (
	// ModeRGBArray renders to an RGB frame returned to the caller.
	ModeRGBArray RenderMode = "rgb_array"
	// ModeHuman renders to a display on the worker side; nothing is returned.
	ModeHuman RenderMode = "human"
)

// Frame is a raw RGB image, row-major, three bytes per pixel.
type Frame struct {
	Height int    `json:"height"`
	Width  int    `json:"width"`
	Pixels []byte `json:"pixels"`
}

// Environment is an episodic simulation driven by a worker.
//
// Implementations need not be safe for concurrent use; a worker drives
// each environment from a single goroutine.
type Environment interface {
	// Reset starts a new episode and returns its initial state.
	Reset() (*ResetResult, error)

	// Step advances the episode by one step. The action has one row per
	// agent. An error is fatal to the worker that owns the environment.
	Step(action Action) (*StepResult, error)

	// ObservationSpace describes one agent's observation rows.
	ObservationSpace() spaces.Space

	// SharedObservationSpace describes one agent's shared observation rows.
	SharedObservationSpace() spaces.Space

	// ActionSpace describes one agent's action rows.
	ActionSpace() spaces.Space

	// Close releases the environment's resources.
	Close() error
}

// Renderer is implemented by environments that can render themselves.
type Renderer interface {
	// Render produces a frame in the given mode. For ModeHuman the
	// returned frame is ignored and may be nil.
	Render(mode RenderMode) (*Frame, error)
}

// TaskResetter is implemented by environments whose task can be
// re-randomized independently of episode resets.
type TaskResetter interface {
	// ResetTask re-randomizes the task and returns the per-agent
	// observations of the new task's initial state.
	ResetTask() ([][]float64, error)
}

// Spec names an environment to construct together with its configuration.
// Specs cross process boundaries, so the configuration must be
// self-contained JSON rather than captured Go state.
type Spec struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
}
