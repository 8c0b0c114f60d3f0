// Package pipeline computes the derivable stages of the detection
// pipeline. The raw stage comes from the external inference model; nms
// and refined are pure functions over the previous stage's detections.
package pipeline

import (
	"sort"
	"time"
)

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b Box) Area() float64 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// StageResult is the payload persisted for each pipeline stage.
type StageResult struct {
	Stage      string      `json:"stage"`
	Count      int         `json:"count"`
	Detections []Detection `json:"detections"`
	ProducedAt time.Time   `json:"produced_at"`
}

func NewStageResult(stage string, detections []Detection, now time.Time) StageResult {
	if detections == nil {
		detections = []Detection{}
	}
	return StageResult{
		Stage:      stage,
		Count:      len(detections),
		Detections: detections,
		ProducedAt: now,
	}
}

// IoU returns the intersection-over-union of two boxes.
func IoU(a, b Box) float64 {
	ix1 := maxf(a.X1, b.X1)
	iy1 := maxf(a.Y1, b.Y1)
	ix2 := minf(a.X2, b.X2)
	iy2 := minf(a.Y2, b.Y2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// SuppressOverlaps applies greedy non-maximum suppression per label:
// detections are taken in descending confidence order and any later
// same-label detection overlapping a kept one above iouThreshold is
// dropped.
func SuppressOverlaps(detections []Detection, iouThreshold float64) []Detection {
	ordered := append([]Detection(nil), detections...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Confidence > ordered[j].Confidence
	})

	kept := make([]Detection, 0, len(ordered))
	for _, candidate := range ordered {
		suppressed := false
		for _, winner := range kept {
			if winner.Label == candidate.Label && IoU(winner.Box, candidate.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, candidate)
		}
	}
	return kept
}

// FilterByConfidence keeps detections at or above minConfidence,
// preserving order.
func FilterByConfidence(detections []Detection, minConfidence float64) []Detection {
	kept := make([]Detection, 0, len(detections))
	for _, det := range detections {
		if det.Confidence >= minConfidence {
			kept = append(kept, det)
		}
	}
	return kept
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
