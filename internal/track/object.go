// Package track turns per-frame foreground detections into tracked objects
// and a monotonic count of physical objects crossing the region of interest.
package track

import (
	"image"
	"math"
)

// DetectedObject is one connected foreground component in full-frame
// coordinates. Immutable once created.
type DetectedObject struct {
	// Box is the bounding rectangle in full-frame coordinates.
	Box image.Rectangle

	// Centroid is the center of the bounding rectangle.
	Centroid image.Point

	// Area is the component's pixel area.
	Area float64

	// EquivRadius is the radius of a circle with the same area.
	EquivRadius float64
}

func newDetectedObject(box image.Rectangle, area float64) DetectedObject {
	return DetectedObject{
		Box:         box,
		Centroid:    image.Pt(box.Min.X+box.Dx()/2, box.Min.Y+box.Dy()/2),
		Area:        area,
		EquivRadius: math.Sqrt(area / math.Pi),
	}
}
