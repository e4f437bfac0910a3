// Package cartpole implements the classic pole balancing control task.
//
// A cart slides along a track with a pole hinged on top; the agent
// pushes the cart left or right each step and the episode ends when the
// pole tips too far, the cart leaves the track, or a step limit is
// reached. The package registers itself under Name via Register, so a
// worker host binary can offer it with one call.
//
// Physics follow the usual formulation: semi-implicit Euler integration
// at a fixed 0.02s timestep with a fixed-magnitude push. Task resets
// resample the pole length, giving a pool of otherwise identical carts
// distinct dynamics to generalize over.
package cartpole

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"

	"github.com/smnsjas/go-vecenv/env"
	"github.com/smnsjas/go-vecenv/spaces"
)

// Name is the registry name of this environment.
const Name = "cartpole"

const (
	gravity  = 9.81
	massCart = 1.0
	massPole = 0.1
	forceMag = 10.0
	tau      = 0.02

	totalMass = massCart + massPole

	// halfLength is the default distance from the hinge to the pole's
	// center of mass. Task resets resample it within halfLengthMin and
	// halfLengthMax.
	halfLength    = 0.5
	halfLengthMin = 0.25
	halfLengthMax = 0.75

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0

	defaultMaxSteps = 500

	// velocityBound stands in for an unbounded dimension; JSON cannot
	// carry infinities across the wire.
	velocityBound = math.MaxFloat32

	frameWidth  = 64
	frameHeight = 8
)

// Config selects the episode length and the random source. A zero Seed
// draws one from the global source, so distinct slots diverge.
type Config struct {
	Seed     int64 `json:"seed,omitempty"`
	MaxSteps int   `json:"max_steps,omitempty"`
}

// Env is a single cart and pole. It is not safe for concurrent use;
// a pool worker drives each instance from one goroutine.
type Env struct {
	rng      *rand.Rand
	maxSteps int
	length   float64

	x        float64
	xDot     float64
	theta    float64
	thetaDot float64
	steps    int
}

// New constructs an Env from its JSON configuration. It is the
// registered env.Factory for Name.
func New(config json.RawMessage) (env.Environment, error) {
	var cfg Config
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if cfg.MaxSteps < 0 {
		return nil, fmt.Errorf("max_steps must be >= 0, got %d", cfg.MaxSteps)
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = defaultMaxSteps
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	return &Env{
		rng:      rand.New(rand.NewSource(seed)),
		maxSteps: cfg.MaxSteps,
		length:   halfLength,
	}, nil
}

var registerOnce sync.Once

// Register adds the environment to the registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		env.Register(Name, New)
	})
}

// NewSpec returns a pool spec for one cart with the given configuration.
func NewSpec(cfg Config) (env.Spec, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return env.Spec{}, fmt.Errorf("encode config: %w", err)
	}
	return env.Spec{Name: Name, Config: data}, nil
}

func (e *Env) obs() [][]float64 {
	return [][]float64{{e.x, e.xDot, e.theta, e.thetaDot}}
}

// Reset starts a new episode with the state drawn uniformly from
// [-0.05, 0.05) in every dimension.
func (e *Env) Reset() (*env.ResetResult, error) {
	e.x = e.rng.Float64()*0.1 - 0.05
	e.xDot = e.rng.Float64()*0.1 - 0.05
	e.theta = e.rng.Float64()*0.1 - 0.05
	e.thetaDot = e.rng.Float64()*0.1 - 0.05
	e.steps = 0
	return &env.ResetResult{Obs: e.obs(), SharedObs: e.obs()}, nil
}

// Step applies one push. The action holds one row with one element, the
// index into the discrete action space: 0 pushes left, 1 pushes right.
func (e *Env) Step(action env.Action) (*env.StepResult, error) {
	if len(action) != 1 {
		return nil, fmt.Errorf("cartpole has one agent, got %d action rows", len(action))
	}
	if len(action[0]) != 1 {
		return nil, fmt.Errorf("discrete action row must have one element, got %d", len(action[0]))
	}
	choice := int(math.Round(action[0][0]))
	if choice != 0 && choice != 1 {
		return nil, fmt.Errorf("action index out of range: %d", choice)
	}

	force := forceMag
	if choice == 0 {
		force = -forceMag
	}

	cosTheta := math.Cos(e.theta)
	sinTheta := math.Sin(e.theta)
	poleMassLength := massPole * e.length

	temp := (force + poleMassLength*e.thetaDot*e.thetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) /
		(e.length * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass

	e.x += tau * e.xDot
	e.xDot += tau * xAcc
	e.theta += tau * e.thetaDot
	e.thetaDot += tau * thetaAcc
	e.steps++

	fell := e.x < -xThreshold || e.x > xThreshold ||
		e.theta < -thetaThreshold || e.theta > thetaThreshold
	truncated := e.steps >= e.maxSteps
	done := fell || truncated

	reward := 1.0
	if fell {
		reward = 0.0
	}

	info := env.Info{"steps": e.steps}
	if truncated && !fell {
		info["truncated"] = true
	}

	return &env.StepResult{
		Obs:       e.obs(),
		SharedObs: e.obs(),
		Rewards:   []float64{reward},
		Done:      env.Done{done},
		Info:      info,
	}, nil
}

// ResetTask resamples the pole length and starts a new episode.
func (e *Env) ResetTask() ([][]float64, error) {
	e.length = halfLengthMin + e.rng.Float64()*(halfLengthMax-halfLengthMin)
	result, err := e.Reset()
	if err != nil {
		return nil, err
	}
	return result.Obs, nil
}

// Render draws the cart and pole. ModeRGBArray returns a small frame
// with the cart as a white block and the pole tip in green; ModeHuman
// prints a one-line state summary to standard error.
func (e *Env) Render(mode env.RenderMode) (*env.Frame, error) {
	switch mode {
	case env.ModeRGBArray:
		return e.frame(), nil
	case env.ModeHuman:
		fmt.Fprintf(os.Stderr, "cartpole x=%+.3f theta=%+.3f steps=%d\n", e.x, e.theta, e.steps)
		return nil, nil
	default:
		return nil, nil
	}
}

func (e *Env) frame() *env.Frame {
	pixels := make([]byte, frameHeight*frameWidth*3)
	set := func(row, col int, r, g, b byte) {
		if row < 0 || row >= frameHeight || col < 0 || col >= frameWidth {
			return
		}
		i := (row*frameWidth + col) * 3
		pixels[i], pixels[i+1], pixels[i+2] = r, g, b
	}

	// Track along the bottom row.
	for col := 0; col < frameWidth; col++ {
		set(frameHeight-1, col, 64, 64, 64)
	}

	cart := int((e.x + xThreshold) / (2 * xThreshold) * float64(frameWidth-1))
	for d := -1; d <= 1; d++ {
		set(frameHeight-2, cart+d, 255, 255, 255)
	}

	// The pole tip leans with theta; full deflection reaches the frame edge.
	tip := cart + int(e.theta/thetaThreshold*float64(frameHeight))
	set(0, tip, 0, 255, 0)

	return &env.Frame{Height: frameHeight, Width: frameWidth, Pixels: pixels}
}

// ObservationSpace is [x, x velocity, pole angle, pole angular velocity].
func (e *Env) ObservationSpace() spaces.Space {
	return spaces.Box(
		[]float64{-2 * xThreshold, -velocityBound, -2 * thetaThreshold, -velocityBound},
		[]float64{2 * xThreshold, velocityBound, 2 * thetaThreshold, velocityBound},
	)
}

// SharedObservationSpace matches ObservationSpace; a single cart has no
// teammates to observe.
func (e *Env) SharedObservationSpace() spaces.Space {
	return e.ObservationSpace()
}

// ActionSpace is the binary push direction.
func (e *Env) ActionSpace() spaces.Space {
	return spaces.Discrete(2)
}

// Close releases nothing; a cart is pure state.
func (e *Env) Close() error { return nil }
