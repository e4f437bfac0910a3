package protocol

import (
	"github.com/google/uuid"

	"github.com/smnsjas/go-vecenv/env"
	"github.com/smnsjas/go-vecenv/spaces"
)

// InitPayload carries the environment specs a worker must construct,
// in the worker's slot order.
type InitPayload struct {
	Specs []env.Spec `json:"specs"`
}

// StepPayload carries one action per slot the worker owns.
type StepPayload struct {
	Actions []env.Action `json:"actions"`
}

// StepReplyPayload carries one step result per slot, positionally
// aligned with the request's actions.
type StepReplyPayload struct {
	Results []env.StepResult `json:"results"`
}

// ResetReplyPayload carries one reset result per slot.
type ResetReplyPayload struct {
	Results []env.ResetResult `json:"results"`
}

// TaskReplyPayload carries one observation matrix per slot.
type TaskReplyPayload struct {
	Obs [][][]float64 `json:"obs"`
}

// RenderPayload selects the render mode.
type RenderPayload struct {
	Mode env.RenderMode `json:"mode"`
}

// FrameReplyPayload carries one frame per slot for rgb_array renders.
type FrameReplyPayload struct {
	Frames []env.Frame `json:"frames"`
}

// SpacesReplyPayload carries the space descriptors of the worker's
// first environment.
type SpacesReplyPayload struct {
	Observation       spaces.Space `json:"observation"`
	SharedObservation spaces.Space `json:"shared_observation"`
	Action            spaces.Space `json:"action"`
}

// ErrorPayload describes a fatal worker failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Helper constructors for specific message types.

// NewInit creates an Init message.
func NewInit(poolID uuid.UUID, specs []env.Spec) (*Message, error) {
	return New(MessageTypeInit, poolID, &InitPayload{Specs: specs})
}

// NewReset creates a Reset message.
func NewReset(poolID uuid.UUID) (*Message, error) {
	return New(MessageTypeReset, poolID, nil)
}

// NewStep creates a Step message with one action per owned slot.
func NewStep(poolID uuid.UUID, actions []env.Action) (*Message, error) {
	return New(MessageTypeStep, poolID, &StepPayload{Actions: actions})
}

// NewResetTask creates a ResetTask message.
func NewResetTask(poolID uuid.UUID) (*Message, error) {
	return New(MessageTypeResetTask, poolID, nil)
}

// NewRender creates a Render message.
func NewRender(poolID uuid.UUID, mode env.RenderMode) (*Message, error) {
	return New(MessageTypeRender, poolID, &RenderPayload{Mode: mode})
}

// NewGetSpaces creates a GetSpaces message.
func NewGetSpaces(poolID uuid.UUID) (*Message, error) {
	return New(MessageTypeGetSpaces, poolID, nil)
}

// NewClose creates a Close message.
func NewClose(poolID uuid.UUID) (*Message, error) {
	return New(MessageTypeClose, poolID, nil)
}

// NewReady creates a Ready message.
func NewReady(poolID uuid.UUID) (*Message, error) {
	return New(MessageTypeReady, poolID, nil)
}

// NewResetReply creates a ResetReply message.
func NewResetReply(poolID uuid.UUID, results []env.ResetResult) (*Message, error) {
	return New(MessageTypeResetReply, poolID, &ResetReplyPayload{Results: results})
}

// NewStepReply creates a StepReply message.
func NewStepReply(poolID uuid.UUID, results []env.StepResult) (*Message, error) {
	return New(MessageTypeStepReply, poolID, &StepReplyPayload{Results: results})
}

// NewTaskReply creates a TaskReply message.
func NewTaskReply(poolID uuid.UUID, obs [][][]float64) (*Message, error) {
	return New(MessageTypeTaskReply, poolID, &TaskReplyPayload{Obs: obs})
}

// NewFrameReply creates a FrameReply message.
func NewFrameReply(poolID uuid.UUID, frames []env.Frame) (*Message, error) {
	return New(MessageTypeFrameReply, poolID, &FrameReplyPayload{Frames: frames})
}

// NewSpacesReply creates a SpacesReply message.
func NewSpacesReply(poolID uuid.UUID, obs, sharedObs, action spaces.Space) (*Message, error) {
	return New(MessageTypeSpacesReply, poolID, &SpacesReplyPayload{
		Observation:       obs,
		SharedObservation: sharedObs,
		Action:            action,
	})
}

// NewError creates an Error message from a worker failure.
func NewError(poolID uuid.UUID, cause error) (*Message, error) {
	return New(MessageTypeError, poolID, &ErrorPayload{Message: cause.Error()})
}
