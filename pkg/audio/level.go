package audio

import (
	"math"
	"sync"
)

// levelSmoothing is the exponential moving average weight given to the newest
// RMS sample. Chosen so a 30 Hz update rate settles within ~150 ms.
const levelSmoothing = 0.25

// LevelMeter tracks a smoothed RMS input level normalised to [0, 1].
// Update is called per frame by the capture session; Level may be read
// concurrently (UI meters, silence detection).
type LevelMeter struct {
	mu    sync.RWMutex
	level float64
}

// Update folds one PCM frame into the smoothed level and returns the new value.
func (m *LevelMeter) Update(pcm []byte) float64 {
	rms := ComputeRMS(pcm) / math.MaxInt16

	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = m.level*(1-levelSmoothing) + rms*levelSmoothing
	return m.level
}

// Level returns the current smoothed level in [0, 1].
func (m *LevelMeter) Level() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// Reset clears the meter back to silence.
func (m *LevelMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = 0
}
