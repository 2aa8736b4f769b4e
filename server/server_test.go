package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-fer/checkpoints"
	"github.com/tsawler/go-fer/emotion"
	"github.com/tsawler/go-fer/engine"
	"github.com/tsawler/go-fer/facedetect"
	"github.com/tsawler/go-fer/layers"
	"github.com/tsawler/go-fer/vision/preprocessing"
)

const inputSide = 48

// oneHotModel always predicts class hot and remembers the last sample.
type oneHotModel struct {
	hot     int
	classes int
	err     error

	mu   sync.Mutex
	last []float32
}

func (m *oneHotModel) Predict(ctx context.Context, x []float32, batch int) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	m.last = append([]float32(nil), x...)
	m.mu.Unlock()

	out := make([]float32, batch*m.classes)
	for i := 0; i < batch; i++ {
		out[i*m.classes+m.hot] = 1
	}
	return out, nil
}

func (m *oneHotModel) NumClasses() int  { return m.classes }
func (m *oneHotModel) InputSize() []int { return []int{3, inputSide, inputSide} }

func boxes(rects ...image.Rectangle) facedetect.Detector {
	return facedetect.Func(func(context.Context, image.Image) ([]image.Rectangle, error) {
		return rects, nil
	})
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func upload(t *testing.T, h http.Handler, path, field string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, "face.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func newTestServer(t *testing.T, model engine.Predictor, detector facedetect.Detector) http.Handler {
	t.Helper()
	svc, err := NewService(model, detector, emotion.Default(), nil)
	require.NoError(t, err)
	return New(svc, 1<<20, nil).Handler()
}

func TestPredictEmotion(t *testing.T) {
	t.Run("NoFace", func(t *testing.T) {
		h := newTestServer(t, &oneHotModel{hot: 3, classes: 7}, boxes())
		rec := upload(t, h, "/predict-emotion/", "file", pngBytes(t, 32, 32))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, map[string]string{"emotion": "No face detected"}, decodeBody(t, rec))
	})

	t.Run("Happy", func(t *testing.T) {
		model := &oneHotModel{hot: 3, classes: 7}
		h := newTestServer(t, model, boxes(image.Rect(4, 4, 28, 28)))
		for _, path := range []string{"/predict-emotion/", "/predict-emotion"} {
			rec := upload(t, h, path, "file", pngBytes(t, 32, 32))
			assert.Equal(t, http.StatusOK, rec.Code, path)
			assert.Equal(t, map[string]string{"emotion": "Happy"}, decodeBody(t, rec), path)
		}
		require.Len(t, model.last, 3*inputSide*inputSide)
		for _, v := range model.last {
			assert.True(t, v >= 0 && v <= 1, "sample value %v not rescaled", v)
		}
	})

	t.Run("NegativeBoxIsClamped", func(t *testing.T) {
		model := &oneHotModel{hot: 6, classes: 7}
		h := newTestServer(t, model, boxes(image.Rect(-10, -5, 20, 20), image.Rect(0, 0, 5, 5)))
		rec := upload(t, h, "/predict-emotion/", "file", pngBytes(t, 32, 32))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Surprise", decodeBody(t, rec)["emotion"])
		assert.Len(t, model.last, 3*inputSide*inputSide)
	})

	t.Run("InvalidImage", func(t *testing.T) {
		h := newTestServer(t, &oneHotModel{hot: 3, classes: 7}, boxes())
		rec := upload(t, h, "/predict-emotion/", "file", []byte("definitely not an image"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeBody(t, rec)["error"], "invalid image: ")
	})

	t.Run("MissingField", func(t *testing.T) {
		h := newTestServer(t, &oneHotModel{hot: 3, classes: 7}, boxes())
		rec := upload(t, h, "/predict-emotion/", "image", pngBytes(t, 8, 8))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NotEmpty(t, decodeBody(t, rec)["error"])
	})

	t.Run("InferenceFailure", func(t *testing.T) {
		model := &oneHotModel{hot: 3, classes: 7, err: errors.New("out of memory")}
		h := newTestServer(t, model, boxes(image.Rect(0, 0, 16, 16)))
		rec := upload(t, h, "/predict-emotion/", "file", pngBytes(t, 32, 32))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, decodeBody(t, rec)["error"], "out of memory")
	})

	t.Run("DetectorFailure", func(t *testing.T) {
		failing := facedetect.Func(func(context.Context, image.Image) ([]image.Rectangle, error) {
			return nil, errors.New("cascade exploded")
		})
		h := newTestServer(t, &oneHotModel{hot: 3, classes: 7}, failing)
		rec := upload(t, h, "/predict-emotion/", "file", pngBytes(t, 32, 32))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("Panic", func(t *testing.T) {
		panicking := facedetect.Func(func(context.Context, image.Image) ([]image.Rectangle, error) {
			panic("boom")
		})
		h := newTestServer(t, &oneHotModel{hot: 3, classes: 7}, panicking)
		rec := upload(t, h, "/predict-emotion/", "file", pngBytes(t, 32, 32))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, map[string]string{"error": "internal server error"}, decodeBody(t, rec))
	})
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, &oneHotModel{hot: 0, classes: 7}, boxes())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"status": "ok"}, decodeBody(t, rec))
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(&oneHotModel{classes: 3}, boxes(), emotion.Default(), nil)
	assert.Equal(t, engine.ErrShapeMismatch, errors.Cause(err))

	_, err = NewService(nil, boxes(), emotion.Default(), nil)
	assert.Error(t, err)

	_, err = NewService(&oneHotModel{classes: 7}, nil, emotion.Default(), nil)
	assert.Error(t, err)
}

func TestPredictEmotionPixelLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1200, 1000))))
	data := buf.Bytes()

	detected := false
	detector := facedetect.Func(func(context.Context, image.Image) ([]image.Rectangle, error) {
		detected = true
		return nil, nil
	})
	svc, err := NewService(&oneHotModel{hot: 3, classes: 7}, detector, emotion.Default(), nil)
	require.NoError(t, err)

	svc.LimitPixels(1000 * 1000)
	resp := svc.PredictEmotion(context.Background(), bytes.NewReader(data))
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	require.IsType(t, ErrorResponse{}, resp.Data)
	assert.Contains(t, resp.Data.(ErrorResponse).Error, "invalid image: image is 1200x1000 pixels")
	assert.False(t, detected, "oversized image reached the detector")

	svc.LimitPixels(1200 * 1000)
	resp = svc.PredictEmotion(context.Background(), bytes.NewReader(data))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, EmotionResponse{Emotion: emotion.NoFace}, resp.Data)
	assert.True(t, detected)
}

func TestInvalidImageMessage(t *testing.T) {
	msg := invalidImageMessage(errors.Wrapf(preprocessing.ErrInvalidImage, "%v", "image: unknown format"))
	assert.Equal(t, "invalid image: image: unknown format", msg)
}

func saveModel(t *testing.T, dir, name string, labels []string) string {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{1, 3, 4, 4}).
		Named(name).
		AddGlobalAvgPool("gap").
		AddDense(len(labels), true, "predictions").
		AddSoftmax("predictions_softmax").
		Compile()
	require.NoError(t, err)
	net, err := engine.NewNetwork(spec, 1)
	require.NoError(t, err)

	path := filepath.Join(dir, name+".json")
	cp := net.Checkpoint(checkpoints.TrainingState{}, checkpoints.CheckpointMetadata{Labels: labels})
	require.NoError(t, checkpoints.Save(cp, path))
	return path
}

func TestLoadModels(t *testing.T) {
	dir := t.TempDir()
	abc := []string{"a", "b", "c"}
	first := saveModel(t, dir, "first", abc)
	second := saveModel(t, dir, "second", abc)

	model, labels, err := LoadModels([]string{first}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &engine.Network{}, model)
	assert.Equal(t, emotion.Registry(abc), labels)

	model, _, err = LoadModels([]string{first, second}, nil, nil)
	require.NoError(t, err)
	ensemble, ok := model.(*engine.Ensemble)
	require.True(t, ok)
	assert.Len(t, ensemble.Members, 2)

	other := saveModel(t, dir, "other", []string{"x", "y", "z"})
	_, _, err = LoadModels([]string{first, other}, nil, nil)
	assert.Error(t, err)

	_, _, err = LoadModels([]string{filepath.Join(dir, "missing.json")}, nil, nil)
	assert.Error(t, err)

	_, _, err = LoadModels(nil, nil, nil)
	assert.Error(t, err)
}
