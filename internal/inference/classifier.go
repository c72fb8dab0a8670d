// Package inference wraps the plant disease classifier served over
// TensorFlow Serving's REST API.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/disintegration/imaging"
	"plantly.app/plantly-server/internal/metrics"
)

var (
	ErrEmptyImage = errors.New("empty image")
	ErrDecode     = errors.New("image could not be decoded")
)

type Prediction struct {
	Label      string        `json:"class"`
	Confidence float64       `json:"confidence"`
	Probs      []float64     `json:"probs"`
	Latency    time.Duration `json:"-"`
}

type Classifier interface {
	Classify(ctx context.Context, image []byte) (Prediction, error)
}

type Config struct {
	URL       string
	Labels    []string
	ImageSize int
	Timeout   time.Duration
}

// TFServingClassifier resizes the image to ImageSize x ImageSize RGB and posts
// it as a float32 0-255 tensor to a TensorFlow Serving predict endpoint.
type TFServingClassifier struct {
	url    string
	labels []string
	size   int
	client *http.Client
}

func NewTFServingClassifier(cfg Config) (*TFServingClassifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("inference URL is required")
	}
	if len(cfg.Labels) == 0 {
		return nil, errors.New("at least one class label is required")
	}
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &TFServingClassifier{
		url:    cfg.URL,
		labels: cfg.Labels,
		size:   cfg.ImageSize,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// LoadLabels reads a JSON array of class names, index-aligned with the model output.
func LoadLabels(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels file %s: %w", path, err)
	}
	var labels []string
	if err := json.Unmarshal(b, &labels); err != nil {
		return nil, fmt.Errorf("labels file %s must be a JSON list of strings: %w", path, err)
	}
	return labels, nil
}

type predictRequest struct {
	Instances [][][][3]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float64 `json:"predictions"`
	Error       string      `json:"error"`
}

func (c *TFServingClassifier) Classify(ctx context.Context, img []byte) (Prediction, error) {
	if len(img) == 0 {
		return Prediction{}, ErrEmptyImage
	}
	start := time.Now()

	decoded, err := imaging.Decode(bytes.NewReader(img), imaging.AutoOrientation(true))
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	body, err := json.Marshal(predictRequest{Instances: [][][][3]float32{c.tensor(decoded)}})
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to encode predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to build predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("predict request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to read predict response: %w", err)
	}
	var out predictResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Prediction{}, fmt.Errorf("failed to decode predict response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		return Prediction{}, fmt.Errorf("predict endpoint returned %d: %s", resp.StatusCode, out.Error)
	}
	if len(out.Predictions) == 0 {
		return Prediction{}, errors.New("predict response has no predictions")
	}

	probs := out.Predictions[0]
	if len(probs) != len(c.labels) {
		return Prediction{}, fmt.Errorf("model returned %d scores for %d labels", len(probs), len(c.labels))
	}
	probs = Normalize(probs)
	idx := Argmax(probs)

	metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	return Prediction{
		Label:      c.labels[idx],
		Confidence: probs[idx],
		Probs:      probs,
		Latency:    time.Since(start),
	}, nil
}

func (c *TFServingClassifier) tensor(img image.Image) [][][3]float32 {
	resized := imaging.Resize(img, c.size, c.size, imaging.Lanczos)
	t := make([][][3]float32, c.size)
	for y := 0; y < c.size; y++ {
		row := make([][3]float32, c.size)
		for x := 0; x < c.size; x++ {
			i := resized.PixOffset(x, y)
			row[x] = [3]float32{float32(resized.Pix[i]), float32(resized.Pix[i+1]), float32(resized.Pix[i+2])}
		}
		t[y] = row
	}
	return t
}

// Normalize applies softmax when scores are not already a distribution.
func Normalize(scores []float64) []float64 {
	var sum float64
	negative := false
	for _, s := range scores {
		sum += s
		if s < 0 {
			negative = true
		}
	}
	if !negative && sum <= 1.01 {
		return scores
	}

	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	out := make([]float64, len(scores))
	var total float64
	for i, s := range scores {
		out[i] = math.Exp(s - max)
		total += out[i]
	}
	for i := range out {
		out[i] /= total
	}
	return out
}

func Argmax(v []float64) int {
	idx := 0
	for i := range v {
		if v[i] > v[idx] {
			idx = i
		}
	}
	return idx
}
