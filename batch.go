package vecenv

import (
	"github.com/smnsjas/go-vecenv/env"
)

// StepBatch is the pool-wide outcome of one synchronized step, indexed
// by slot. The accessor methods regroup the results by field; the
// returned inner slices share memory with the batch.
type StepBatch struct {
	results []env.StepResult
}

// Len returns the number of slots in the batch.
func (b *StepBatch) Len() int {
	return len(b.results)
}

// Results returns the per-slot step results.
func (b *StepBatch) Results() []env.StepResult {
	return b.results
}

// Observations returns the per-slot observation matrices, one row per
// agent. Slots whose episode just ended observe their restarted episode.
func (b *StepBatch) Observations() [][][]float64 {
	obs := make([][][]float64, len(b.results))
	for i, r := range b.results {
		obs[i] = r.Obs
	}
	return obs
}

// SharedObservations returns the per-slot shared observation matrices.
func (b *StepBatch) SharedObservations() [][][]float64 {
	obs := make([][][]float64, len(b.results))
	for i, r := range b.results {
		obs[i] = r.SharedObs
	}
	return obs
}

// Rewards returns the per-slot reward vectors, one element per agent.
func (b *StepBatch) Rewards() [][]float64 {
	rewards := make([][]float64, len(b.results))
	for i, r := range b.results {
		rewards[i] = r.Rewards
	}
	return rewards
}

// Dones returns the per-slot done vectors for the step that was taken.
func (b *StepBatch) Dones() []env.Done {
	dones := make([]env.Done, len(b.results))
	for i, r := range b.results {
		dones[i] = r.Done
	}
	return dones
}

// Infos returns the per-slot diagnostic maps.
func (b *StepBatch) Infos() []env.Info {
	infos := make([]env.Info, len(b.results))
	for i, r := range b.results {
		infos[i] = r.Info
	}
	return infos
}

// AvailableActions returns the per-slot action masks, or nil rows where
// the environment does not restrict actions.
func (b *StepBatch) AvailableActions() [][][]bool {
	masks := make([][][]bool, len(b.results))
	for i, r := range b.results {
		masks[i] = r.AvailableActions
	}
	return masks
}

// ResetBatch is the pool-wide initial state after a synchronized reset,
// indexed by slot. The returned inner slices share memory with the
// batch.
type ResetBatch struct {
	results []env.ResetResult
}

// Len returns the number of slots in the batch.
func (b *ResetBatch) Len() int {
	return len(b.results)
}

// Results returns the per-slot reset results.
func (b *ResetBatch) Results() []env.ResetResult {
	return b.results
}

// Observations returns the per-slot observation matrices, one row per
// agent.
func (b *ResetBatch) Observations() [][][]float64 {
	obs := make([][][]float64, len(b.results))
	for i, r := range b.results {
		obs[i] = r.Obs
	}
	return obs
}

// SharedObservations returns the per-slot shared observation matrices.
func (b *ResetBatch) SharedObservations() [][][]float64 {
	obs := make([][][]float64, len(b.results))
	for i, r := range b.results {
		obs[i] = r.SharedObs
	}
	return obs
}

// AvailableActions returns the per-slot action masks, or nil rows where
// the environment does not restrict actions.
func (b *ResetBatch) AvailableActions() [][][]bool {
	masks := make([][][]bool, len(b.results))
	for i, r := range b.results {
		masks[i] = r.AvailableActions
	}
	return masks
}
