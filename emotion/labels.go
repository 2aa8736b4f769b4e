// Package emotion holds the label registry shared by dataset materialization,
// batch loading and inference.
package emotion

import (
	"fmt"
	"sort"
)

// NoFace is the response value used when no face is found in an image.
const NoFace = "No face detected"

// NumClasses is the size of the FER2013 label set.
const NumClasses = 7

// Registry is an ordered list of class names. A class index is its position
// in the registry.
type Registry []string

// Default returns the FER2013 registry. The order is alphabetical, which is
// also the order class folders are enumerated in on disk.
func Default() Registry {
	return Registry{"Angry", "Disgust", "Fear", "Happy", "Neutral", "Sad", "Surprise"}
}

// Len returns the number of classes
func (r Registry) Len() int {
	return len(r)
}

// Name returns the label at index i.
func (r Registry) Name(i int) (string, error) {
	if i < 0 || i >= len(r) {
		return "", fmt.Errorf("label index %d out of range [0, %d)", i, len(r))
	}
	return r[i], nil
}

// Index returns the position of name in the registry.
func (r Registry) Index(name string) (int, bool) {
	for i, n := range r {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// Validate checks the registry is non-empty, has no duplicates and is sorted.
// Sorting is required because loaders derive class indices from the
// alphabetical ordering of class folders.
func (r Registry) Validate() error {
	if len(r) == 0 {
		return fmt.Errorf("label registry is empty")
	}
	seen := make(map[string]bool, len(r))
	for _, n := range r {
		if n == "" {
			return fmt.Errorf("label registry contains an empty name")
		}
		if seen[n] {
			return fmt.Errorf("label registry contains duplicate name %q", n)
		}
		seen[n] = true
	}
	if !sort.StringsAreSorted(r) {
		return fmt.Errorf("label registry %v is not in alphabetical order", []string(r))
	}
	return nil
}

// Equal reports whether both registries hold the same names in the same order.
func (r Registry) Equal(other []string) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if r[i] != other[i] {
			return false
		}
	}
	return true
}

// Argmax returns the index of the largest value in probs.
func Argmax(probs []float32) int {
	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return best
}
