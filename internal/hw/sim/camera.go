package sim

import "sync/atomic"

// Camera holds the enhancement filter flag of the camera pipeline.
type Camera struct {
	filter atomic.Bool
}

func NewCamera() *Camera { return &Camera{} }

func (c *Camera) SetFilterEnabled(on bool) { c.filter.Store(on) }
func (c *Camera) FilterEnabled() bool      { return c.filter.Load() }
