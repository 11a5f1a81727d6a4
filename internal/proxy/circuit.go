package proxy

import (
	"sync"
	"time"
)

// Circuit opens for Cooldown once the failure rate across the last WindowSize
// calls reaches Threshold. Samples survive the cooldown, so a failing probe
// after it reopens the circuit straight away.
type Circuit struct {
	mu         sync.Mutex
	samples    []bool
	openUntil  time.Time
	WindowSize int
	MinSamples int
	Threshold  float64
	Cooldown   time.Duration
	Now        func() time.Time
}

func NewCircuit(windowSize, minSamples int, threshold float64, cooldown time.Duration) *Circuit {
	if windowSize <= 0 {
		windowSize = 20
	}
	if minSamples <= 0 || minSamples > windowSize {
		minSamples = min(10, windowSize)
	}
	return &Circuit{WindowSize: windowSize, MinSamples: minSamples, Threshold: threshold, Cooldown: cooldown, Now: time.Now}
}

func (c *Circuit) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.Now().Before(c.openUntil)
}

func (c *Circuit) Record(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, ok)
	if len(c.samples) > c.WindowSize {
		c.samples = c.samples[len(c.samples)-c.WindowSize:]
	}
	if c.Threshold <= 0 || len(c.samples) < c.MinSamples {
		return
	}
	fail := 0
	for _, s := range c.samples {
		if !s {
			fail++
		}
	}
	if float64(fail)/float64(len(c.samples)) >= c.Threshold {
		c.openUntil = c.Now().Add(c.Cooldown)
	}
}
