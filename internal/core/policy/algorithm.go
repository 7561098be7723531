package policy

import (
	"fmt"
	"strings"
)

// Algorithm is the closed set of throttling algorithms. Names are resolved
// once at policy load; an unknown name is a configuration error, never a
// silent fallback at request time.
type Algorithm int

const (
	AlgorithmSlidingWindow Algorithm = iota
	AlgorithmTokenBucket
	AlgorithmFixedWindow
)

// ParseAlgorithm resolves an algorithm name from configuration. The empty
// string selects the sliding window default.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sliding_window":
		return AlgorithmSlidingWindow, nil
	case "token_bucket":
		return AlgorithmTokenBucket, nil
	case "fixed_window":
		return AlgorithmFixedWindow, nil
	default:
		return 0, fmt.Errorf("unknown rate limit algorithm: %s", name)
	}
}

func (a Algorithm) String() string {
	switch a {
	case AlgorithmTokenBucket:
		return "token_bucket"
	case AlgorithmFixedWindow:
		return "fixed_window"
	default:
		return "sliding_window"
	}
}

// MarshalText lets compiled policies render with their algorithm names.
func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}
