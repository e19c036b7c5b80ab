package overlay

import "fmt"

// OverlayErr reports problems with embedded overlay data.
type OverlayErr string

func (o *OverlayErr) Error() string {
	return string(*o)
}

func newOverlayErr(format string, a ...interface{}) *OverlayErr {
	err := OverlayErr(fmt.Sprintf(format, a...))
	return &err
}
