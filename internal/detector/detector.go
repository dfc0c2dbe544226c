package detector

import "strings"

// Detector decides whether a freshly spawned process finished initializing.
// Ready is polled until it returns true, an error, or the caller gives up.
// Implementations must be safe for concurrent use.
type Detector interface {
	// Ready returns true once the readiness signal has been observed.
	// A non-nil error means readiness can never be reached.
	Ready() (bool, error)
	// Describe returns a human-readable description of the signal.
	Describe() string
}

// Any is ready as soon as one of its detectors is.
type Any []Detector

func (a Any) Ready() (bool, error) {
	for _, d := range a {
		ok, err := d.Ready()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (a Any) Describe() string {
	parts := make([]string, len(a))
	for i, d := range a {
		parts[i] = d.Describe()
	}
	return "any(" + strings.Join(parts, ",") + ")"
}
