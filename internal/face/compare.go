package face

import (
	"errors"
	"math"
)

// ErrMalformedDescriptor is returned for empty or mismatched descriptor vectors.
var ErrMalformedDescriptor = errors.New("malformed face descriptor")

// DescriptorSize is the length of descriptors produced by the face service.
const DescriptorSize = 128

// Comparison is the outcome of comparing two descriptors.
type Comparison struct {
	Match      bool    `json:"match"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"`
}

// Compare measures the Euclidean distance between d1 and d2. The pair matches when
// the distance is strictly below threshold.
func Compare(d1, d2 []float64, threshold float64) (Comparison, error) {
	dist, err := Distance(d1, d2)
	if err != nil {
		return Comparison{}, err
	}
	return Comparison{
		Match:      dist < threshold,
		Distance:   dist,
		Confidence: Confidence(dist),
	}, nil
}

// Distance is the Euclidean distance between two descriptors.
func Distance(d1, d2 []float64) (float64, error) {
	if len(d1) == 0 || len(d1) != len(d2) {
		return 0, ErrMalformedDescriptor
	}
	var sum float64
	for i := range d1 {
		diff := d1[i] - d2[i]
		sum += diff * diff
	}
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0, ErrMalformedDescriptor
	}
	return math.Sqrt(sum), nil
}

// Confidence maps a distance to a 0-100 score that falls as distance grows.
func Confidence(distance float64) float64 {
	c := (1 - distance) * 100
	return math.Max(0, math.Min(100, c))
}
