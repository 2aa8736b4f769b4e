package facedetect

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Bbox is a face box as reported by the detection API.
type Bbox struct {
	Height int `json:"height"`
	Width  int `json:"width"`
	X      int `json:"x"`
	Y      int `json:"y"`
}

// Rect converts the box to an image rectangle.
func (b Bbox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// FaceData is one detected face.
type FaceData struct {
	Bbox  Bbox    `json:"bbox"`
	Score float64 `json:"score"`
}

// DetectResponse is the body of a successful /detect call.
type DetectResponse struct {
	Data       []FaceData `json:"data"`
	Rotation   int        `json:"rotation"`
	StatusCode int        `json:"status_code"`
}

// CloudDetector posts JPEG-encoded images to a remote face detection API.
type CloudDetector struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewCloudDetector targets baseURL/detect, authenticating with a bearer token
// when one is given.
func NewCloudDetector(baseURL, token string, timeout time.Duration) (*CloudDetector, error) {
	if baseURL == "" {
		return nil, errors.New("detector.cloud_url is required for the cloud detector")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid detector.cloud_url %q", baseURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("detector.cloud_url %q must be absolute", baseURL)
	}

	return &CloudDetector{
		endpoint: strings.TrimRight(baseURL, "/") + "/detect",
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Detect uploads img and returns the boxes in response order.
func (d *CloudDetector) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	var body bytes.Buffer
	if err := jpeg.Encode(&body, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, errors.Wrap(err, "failed to encode image")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, &body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build detect request")
	}
	req.Header.Set("Content-Type", "image/jpeg")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "detect request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read detect response")
	}
	if resp.StatusCode >= 400 && resp.StatusCode <= 599 {
		return nil, errors.Errorf("server returned error with status: %s", resp.Status)
	}

	var parsed DetectResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, errors.Wrap(err, "failed to decode detect response")
	}

	origin := img.Bounds().Min
	boxes := make([]image.Rectangle, len(parsed.Data))
	for i, face := range parsed.Data {
		boxes[i] = face.Bbox.Rect().Add(origin)
	}
	return boxes, nil
}
