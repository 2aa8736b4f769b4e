//go:build !dlib

package facedetect

// NewDlibDetector reports ErrUnavailable; rebuild with -tags dlib to link
// against the dlib libraries.
func NewDlibDetector(dir string) (Detector, error) {
	return nil, ErrUnavailable
}
