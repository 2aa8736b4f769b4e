package server

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-fer/emotion"
	"github.com/tsawler/go-fer/engine"
	"github.com/tsawler/go-fer/facedetect"
	"github.com/tsawler/go-fer/logging"
	"github.com/tsawler/go-fer/vision/preprocessing"
)

// Response is a status code plus the JSON body to send.
type Response struct {
	Status int
	Data   interface{}
}

// EmotionResponse is the body of a successful prediction.
type EmotionResponse struct {
	Emotion string `json:"emotion"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DefaultMaxPixels caps the decoded size of an upload.
const DefaultMaxPixels = 4096 * 4096

// Service turns uploaded images into emotion labels. The model is shared by
// all requests and never modified after construction.
type Service struct {
	model     engine.Predictor
	detector  facedetect.Detector
	labels    emotion.Registry
	processor *preprocessing.ImageProcessor
	maxPixels int
	logger    *zap.Logger
}

// NewService checks that model, labels and the model's input agree.
func NewService(model engine.Predictor, detector facedetect.Detector, labels emotion.Registry, logger *zap.Logger) (*Service, error) {
	if model == nil || detector == nil {
		return nil, errors.New("service needs a model and a face detector")
	}
	if err := labels.Validate(); err != nil {
		return nil, err
	}
	if model.NumClasses() != labels.Len() {
		return nil, errors.Wrapf(engine.ErrShapeMismatch, "model has %d classes, registry has %d labels", model.NumClasses(), labels.Len())
	}
	in := model.InputSize()
	if len(in) != 3 || in[0] != preprocessing.Channels || in[1] != in[2] {
		return nil, errors.Wrapf(engine.ErrShapeMismatch, "model input %v is not a square %d-channel image", in, preprocessing.Channels)
	}

	return &Service{
		model:     model,
		detector:  detector,
		labels:    labels,
		processor: preprocessing.NewImageProcessor(in[1]),
		maxPixels: DefaultMaxPixels,
		logger:    logging.OrNop(logger),
	}, nil
}

// LimitPixels sets the largest width*height accepted from an upload. Larger
// images are rejected from their header as invalid. n <= 0 removes the cap.
func (s *Service) LimitPixels(n int) {
	s.maxPixels = n
}

// PredictEmotion decodes r, finds the first face and classifies it.
func (s *Service) PredictEmotion(ctx context.Context, r io.Reader) *Response {
	img, format, err := preprocessing.DecodeLimited(r, s.maxPixels)
	if err != nil {
		return &Response{
			Status: http.StatusBadRequest,
			Data:   ErrorResponse{Error: invalidImageMessage(err)},
		}
	}
	rgb := preprocessing.ToRGB(img)

	boxes, err := s.detector.Detect(ctx, rgb)
	if err != nil {
		s.logger.Error("face detection failed", zap.Error(err))
		return &Response{
			Status: http.StatusInternalServerError,
			Data:   ErrorResponse{Error: "face detection failed: " + err.Error()},
		}
	}

	box, ok := facedetect.First(boxes, rgb.Bounds())
	if !ok {
		s.logger.Debug("no face detected", zap.String("format", format), zap.Int("boxes", len(boxes)))
		return &Response{
			Status: http.StatusOK,
			Data:   EmotionResponse{Emotion: emotion.NoFace},
		}
	}

	sample, err := s.processor.PrepareRegion(rgb, box)
	if err != nil {
		return s.internalError("failed to prepare face", err)
	}

	pred, err := engine.Classify(ctx, s.model, sample, s.labels)
	if err != nil {
		return s.internalError("inference failed", err)
	}

	s.logger.Debug("predicted emotion",
		zap.String("emotion", pred.Label),
		zap.Float32("probability", pred.Probabilities[pred.Index]),
		zap.Stringer("box", box),
	)
	return &Response{
		Status: http.StatusOK,
		Data:   EmotionResponse{Emotion: pred.Label},
	}
}

func (s *Service) internalError(msg string, err error) *Response {
	s.logger.Error(msg, zap.Error(err))
	return &Response{
		Status: http.StatusInternalServerError,
		Data:   ErrorResponse{Error: msg + ": " + err.Error()},
	}
}

// invalidImageMessage renders decode failures as "invalid image: <reason>".
func invalidImageMessage(err error) string {
	reason := strings.TrimSuffix(err.Error(), ": "+preprocessing.ErrInvalidImage.Error())
	return preprocessing.ErrInvalidImage.Error() + ": " + reason
}
