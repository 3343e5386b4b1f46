package track

import (
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ivelkov/crossing-counter/internal/config"
)

// Background model parameters per detection regime. Standard mode keeps a
// longer history and a tighter variance threshold; high-speed mode favors a
// fast-adapting, cheaper model.
const (
	standardHistory       = 500
	standardVarThreshold  = 16.0
	highSpeedHistory      = 120
	highSpeedVarThreshold = 40.0
)

// Shape filters applied in standard mode only.
const (
	minAspectRatio = 0.2
	maxAspectRatio = 5.0
	minExtent      = 0.25
	minSolidity    = 0.6
)

// Detector extracts foreground objects from the ROI band of a frame using a
// running MOG2 background model, morphological cleanup and contour analysis.
//
// The background model is stateful across frames, so a single Detector is
// shared by all detection workers and Detect serializes internally.
type Detector struct {
	mu        sync.Mutex
	cfg       config.Config
	mode      config.Mode
	mog2      gocv.BackgroundSubtractorMOG2
	kernel    gocv.Mat
	mask      gocv.Mat
	roiOffset int
	roiHeight int
	closed    bool
}

// NewDetector builds a detector for the regime implied by cfg.
func NewDetector(cfg config.Config) *Detector {
	mode := cfg.Mode()
	history, varThreshold := standardHistory, standardVarThreshold
	if mode == config.ModeHighSpeed {
		history, varThreshold = highSpeedHistory, highSpeedVarThreshold
	}
	return &Detector{
		cfg:       cfg,
		mode:      mode,
		mog2:      gocv.NewBackgroundSubtractorMOG2WithParams(history, varThreshold, false),
		kernel:    gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3)),
		mask:      gocv.NewMat(),
		roiOffset: cfg.ROIOffset,
		roiHeight: cfg.ROIHeight,
	}
}

// SetConfig applies updated ROI and area bounds. The background model and
// regime are fixed at construction; a regime change requires a new Detector.
func (d *Detector) SetConfig(cfg config.Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.roiOffset = cfg.ROIOffset
	d.roiHeight = cfg.ROIHeight
	d.mu.Unlock()
}

// Detect runs the foreground pipeline on img's ROI band and returns the
// surviving components in full-frame coordinates. img is read-only and
// remains owned by the caller.
func (d *Detector) Detect(img gocv.Mat) []DetectedObject {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || img.Empty() {
		return nil
	}

	roi := d.roiRect(img)
	if roi.Empty() {
		return nil
	}
	region := img.Region(roi)
	defer region.Close()

	d.mog2.Apply(region, &d.mask)
	// Strip MOG2 shadow values, keep confident foreground only.
	gocv.Threshold(d.mask, &d.mask, 200, 255, gocv.ThresholdBinary)
	gocv.MorphologyEx(d.mask, &d.mask, gocv.MorphOpen, d.kernel)

	contours := gocv.FindContours(d.mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var objects []DetectedObject
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		area := gocv.ContourArea(contour)
		if area < d.cfg.MinArea || area > d.cfg.MaxArea {
			continue
		}
		box := gocv.BoundingRect(contour)
		if d.mode == config.ModeStandard && !d.passesShapeFilters(contour, box, area) {
			continue
		}
		// Back to full-frame coordinates.
		box = box.Add(roi.Min)
		objects = append(objects, newDetectedObject(box, area))
	}
	return objects
}

// passesShapeFilters rejects noise components by aspect ratio, extent and
// convex-hull solidity. Standard mode only; high-speed mode trusts the area
// bounds alone.
func (d *Detector) passesShapeFilters(contour gocv.PointVector, box image.Rectangle, area float64) bool {
	w, h := box.Dx(), box.Dy()
	if w == 0 || h == 0 {
		return false
	}
	aspect := float64(w) / float64(h)
	if aspect < minAspectRatio || aspect > maxAspectRatio {
		return false
	}
	extent := area / float64(w*h)
	if extent < minExtent {
		return false
	}

	hull := gocv.NewMat()
	defer hull.Close()
	gocv.ConvexHull(contour, &hull, false, true)
	hullPoints := gocv.NewPointVectorFromMat(hull)
	defer hullPoints.Close()
	hullArea := gocv.ContourArea(hullPoints)
	if hullArea <= 0 {
		return false
	}
	return area/hullArea >= minSolidity
}

// roiRect clamps the configured ROI band to the frame bounds.
func (d *Detector) roiRect(img gocv.Mat) image.Rectangle {
	rows, cols := img.Rows(), img.Cols()
	y0 := d.roiOffset
	if y0 >= rows {
		return image.Rectangle{}
	}
	y1 := y0 + d.roiHeight
	if y1 > rows {
		y1 = rows
	}
	return image.Rect(0, y0, cols, y1)
}

// Close releases the native resources held by the detector.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.mog2.Close()
	d.kernel.Close()
	d.mask.Close()
}
