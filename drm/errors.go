package drm

import "fmt"

// Error is a failed DRM ioctl or resource query.
type Error struct {
	Op     string
	Object uint32
	Err    error
}

func (e *Error) Error() string {
	if e.Object != 0 {
		return fmt.Sprintf("drm %s %d: %v", e.Op, e.Object, e.Err)
	}
	return fmt.Sprintf("drm %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
