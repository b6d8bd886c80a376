package synth

import "github.com/stevecastle/stereopipe/pixel"

// MinibatchScheduler accumulates frames until a full minibatch is ready,
// then runs them through the synthesizer in one call. Outputs keep input
// order, and every pushed frame comes back out of Push or Flush exactly
// once.
type MinibatchScheduler struct {
	Synth *Synthesizer

	// BatchSize is the nominal minibatch size. Flip augmentation doubles
	// the work per frame, so the effective threshold is halved (never
	// below 1). Low-memory mode processes every frame immediately.
	BatchSize int

	pending []*pixel.Image
}

// threshold is the number of pending frames that triggers a batch.
func (s *MinibatchScheduler) threshold() int {
	n := s.BatchSize
	if n < 1 {
		n = 1
	}
	if s.Synth != nil && s.Synth.Depth != nil {
		if s.Synth.Depth.LowMemory {
			return 1
		}
		if s.Synth.Depth.FlipAug {
			n /= 2
			if n < 1 {
				n = 1
			}
		}
	}
	return n
}

// Push adds a frame. When the pending buffer reaches the batch threshold
// the whole batch is processed and returned; otherwise the result is empty.
func (s *MinibatchScheduler) Push(frame *pixel.Image) ([]*pixel.Image, error) {
	s.pending = append(s.pending, frame)
	if len(s.pending) < s.threshold() {
		return nil, nil
	}
	return s.drain()
}

// Flush processes whatever is pending, possibly a partial batch.
func (s *MinibatchScheduler) Flush() ([]*pixel.Image, error) {
	if len(s.pending) == 0 {
		return nil, nil
	}
	return s.drain()
}

func (s *MinibatchScheduler) drain() ([]*pixel.Image, error) {
	batch := s.pending
	s.pending = nil
	out, err := s.Synth.ProcessBatch(batch)
	if err != nil {
		return nil, err
	}
	return out, nil
}
