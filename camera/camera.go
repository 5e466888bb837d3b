package camera

import "image"

// A Device produces frames from a single capture source. Grab blocks
// until one frame is available. Implementations are not safe for
// concurrent Grab calls; a device must have exactly one owner at a
// time.
type Device interface {
	Grab() (image.Image, error)
	Close() error
}

// An Opener creates a fresh Device. The sweep opens the camera at
// the start of a run and releases it on every exit path.
type Opener func() (Device, error)
