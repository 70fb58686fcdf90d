package rpix

// Slot is a consumer binding site, for example a widget that displays an image.
// All methods are called on the consumer dispatcher.
type Slot interface {
	// SetPlaceholder shows d until the result is delivered. d can be nil.
	SetPlaceholder(d Drawable)
	// MeasuredSize returns the current size of the slot, it can be undefined.
	MeasuredSize() Size
	// OnMeasured registers fn that must be called once, when the size becomes known.
	// The returned function detaches fn.
	OnMeasured(fn func(Size)) (stop func())
	Deliver(d Drawable)
}

// AttachReporter can be implemented by a [Slot] that knows whether it is attached.
type AttachReporter interface {
	IsAttached() bool
}
