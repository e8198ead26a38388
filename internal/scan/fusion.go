package scan

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/depthscan/internal/geom"
	"github.com/banshee-data/depthscan/internal/monitoring"
)

// Typed fusion failures. Everything else degrades gracefully instead of
// erroring: a missing AI estimate falls back to upscaling, a failed
// calibration fit falls back to upscaling, and implausible pixels are simply
// marked invalid.
var (
	// ErrNoDepthInput is returned when neither a metric nor an AI depth
	// field is available for a frame.
	ErrNoDepthInput = errors.New("no depth input available")
	// ErrFieldMismatch is returned when an input raster's buffer does not
	// match its declared dimensions.
	ErrFieldMismatch = errors.New("depth field buffer/size mismatch")
)

// FusionStats summarises one fusion pass.
type FusionStats struct {
	// MetricCoverage is the fraction of output pixels with a valid
	// hardware depth sample.
	MetricCoverage float64
	// AIContribution is the fraction of output pixels filled from the AI
	// estimate alone.
	AIContribution float64
	// EdgePixels is the number of pixels flagged by the edge pass.
	EdgePixels int
	// Pixels is the total output pixel count.
	Pixels int
	// Calibrated reports whether a relative-to-metric fit was applied.
	Calibrated bool
	// Elapsed is the processing time for the pass.
	Elapsed time.Duration
}

// FusionResult is one fused depth field with its confidence raster, the
// optional edge map (values 0 or 1) and summary statistics.
type FusionResult struct {
	Depth      *geom.Field
	Confidence *geom.Field
	Edges      *geom.Field
	Stats      FusionStats
}

// FusionEngine combines a low-resolution metric depth field with a
// higher-resolution relative depth estimate into one fused, edge-aware field.
// The AI predictor's availability is resolved once at construction; the first
// inference failure logs once and disables AI for the remainder of the
// session.
type FusionEngine struct {
	params    FusionParams
	predictor DepthPredictor
	aiEnabled bool
}

// NewFusionEngine builds an engine. predictor may be nil, in which case every
// pass is a plain bilinear upscale of the metric field.
func NewFusionEngine(params FusionParams, predictor DepthPredictor) *FusionEngine {
	e := &FusionEngine{
		params:    params,
		predictor: predictor,
		aiEnabled: predictor != nil,
	}
	if !e.aiEnabled {
		monitoring.Logf("[fusion] depth predictor unavailable; metric-only upscaling for this session")
	}
	return e
}

// AIEnabled reports whether AI-assisted fusion is still active.
func (e *FusionEngine) AIEnabled() bool { return e.aiEnabled }

// FuseFrame runs one fusion pass for a sensor frame. When useAI is false (or
// the predictor is unavailable) the metric field is upscaled alone. Output
// resolution follows the predictor's field when AI participates, otherwise
// the metric field's own resolution.
func (e *FusionEngine) FuseFrame(frame *SensorFrame, useAI bool) (*FusionResult, error) {
	if frame == nil || frame.Depth == nil {
		return nil, ErrNoDepthInput
	}

	var aiRel *geom.Field
	if useAI && e.aiEnabled && frame.Color != nil {
		pred, err := e.predictor.Predict(frame.Color)
		if err != nil {
			// Log once and permanently fall back for this session.
			monitoring.Logf("[fusion] depth predictor failed, disabling for session: %v", err)
			e.aiEnabled = false
		} else {
			aiRel = pred
		}
	}

	outW, outH := frame.Depth.Width, frame.Depth.Height
	if aiRel != nil {
		outW, outH = aiRel.Width, aiRel.Height
	}
	return e.Fuse(frame.Depth, frame.Confidence, aiRel, outW, outH)
}

// Fuse combines the metric field (with optional confidence) and an optional
// relative AI field into a fused depth field at the requested resolution.
func (e *FusionEngine) Fuse(metric, confidence, aiRel *geom.Field, outW, outH int) (*FusionResult, error) {
	start := time.Now()
	p := e.params

	if metric == nil && aiRel == nil {
		return nil, ErrNoDepthInput
	}
	if err := checkField(metric); err != nil {
		return nil, err
	}
	if err := checkField(aiRel); err != nil {
		return nil, err
	}
	if confidence != nil {
		if err := checkField(confidence); err != nil {
			return nil, err
		}
		if metric != nil && (confidence.Width != metric.Width || confidence.Height != metric.Height) {
			return nil, fmt.Errorf("%w: confidence %dx%d vs depth %dx%d",
				ErrFieldMismatch, confidence.Width, confidence.Height, metric.Width, metric.Height)
		}
	}
	if outW <= 0 || outH <= 0 {
		return nil, fmt.Errorf("%w: output %dx%d", ErrFieldMismatch, outW, outH)
	}

	// Calibrate the relative field to metres against high-confidence metric
	// samples.
	var aiMetric *geom.Field
	calibrated := false
	if aiRel != nil && metric != nil {
		aiMetric, calibrated = e.calibrate(metric, confidence, aiRel)
	} else if aiRel != nil {
		// No metric reference at all; treat the AI field as already metric.
		aiMetric = aiRel
	}

	out := geom.NewField(outW, outH)
	conf := geom.NewField(outW, outH)

	// Scale factors from output pixel space into the input rasters.
	var mx, my float64
	if metric != nil {
		mx = float64(metric.Width-1) / float64(max(outW-1, 1))
		my = float64(metric.Height-1) / float64(max(outH-1, 1))
	}
	var ax, ay float64
	if aiMetric != nil {
		ax = float64(aiMetric.Width-1) / float64(max(outW-1, 1))
		ay = float64(aiMetric.Height-1) / float64(max(outH-1, 1))
	}

	// Blend weights are normalised to sum to 1 so the fused value always
	// lies between the two estimates. The low-confidence pair shifts toward
	// the AI estimate when the hardware sample is weak.
	wm, wa := normalizedWeights(p.WeightMetric, p.WeightAI)
	lowWM, lowWA := normalizedWeights(p.LowConfidenceMetricWeight, 1-p.LowConfidenceMetricWeight)

	metricPixels := 0
	aiOnlyPixels := 0
	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			var mVal, mConf float32
			mValid := false
			if metric != nil {
				mVal = metric.Bilinear(float64(x)*mx, float64(y)*my)
				mConf = p.DefaultMetricConfidence
				if confidence != nil {
					mConf = confidence.Nearest(float64(x)*mx, float64(y)*my)
				}
				mValid = mVal > p.MinDepthMeters && mVal < p.MaxDepthMeters && mConf > 0
			}

			var aVal float32
			aValid := false
			if aiMetric != nil {
				aVal = aiMetric.Bilinear(float64(x)*ax, float64(y)*ay)
				aValid = aVal > p.MinDepthMeters && aVal < p.MaxDepthMeters*2
			}

			i := y*outW + x
			switch {
			case mValid && aValid:
				bm, ba := wm, wa
				if mConf < p.MetricConfidenceThreshold {
					bm, ba = lowWM, lowWA
				}
				out.Values[i] = bm*mVal + ba*aVal
				conf.Values[i] = agreementConfidence(mVal, aVal, p)
				metricPixels++
			case mValid:
				out.Values[i] = mVal
				conf.Values[i] = mConf
				metricPixels++
			case aValid:
				out.Values[i] = aVal
				conf.Values[i] = p.AIFillConfidence
				aiOnlyPixels++
			default:
				// invalid: zero depth, zero confidence
			}
		}
	}

	res := &FusionResult{Depth: out, Confidence: conf}
	if p.DetectEdges {
		res.Edges, res.Stats.EdgePixels = detectEdges(out, p.EdgeThreshold)
	}

	total := outW * outH
	res.Stats.Pixels = total
	res.Stats.MetricCoverage = float64(metricPixels) / float64(total)
	res.Stats.AIContribution = float64(aiOnlyPixels) / float64(total)
	res.Stats.Calibrated = calibrated
	res.Stats.Elapsed = time.Since(start)
	return res, nil
}

// calibrate fits the inverse-depth mapping 1/metric = scale*rel + offset over
// subsampled high-confidence metric pixels and returns the relative field
// mapped into metres. When too few reference pairs exist or the fit is
// degenerate the mapping is rejected and the raw relative field is returned
// uncalibrated: it still serves for hole-filling where the hardware has no
// sample at all.
func (e *FusionEngine) calibrate(metric, confidence, aiRel *geom.Field) (*geom.Field, bool) {
	p := e.params

	// A field whose values already exceed the relative range is assumed to
	// be metric and is passed through untouched.
	maxVal := float32(0)
	for _, v := range aiRel.Values {
		if v > maxVal {
			maxVal = v
		}
	}
	if maxVal > 1.5 {
		return aiRel, false
	}

	stride := p.CalibrationStride
	if stride < 1 {
		stride = 1
	}
	sx := float64(aiRel.Width-1) / float64(max(metric.Width-1, 1))
	sy := float64(aiRel.Height-1) / float64(max(metric.Height-1, 1))

	var rel, inv []float64
	for y := 0; y < metric.Height; y += stride {
		for x := 0; x < metric.Width; x += stride {
			m := metric.At(x, y)
			if m <= p.MinDepthMeters || m >= p.MaxDepthMeters {
				continue
			}
			if confidence != nil && confidence.At(x, y) < p.MetricConfidenceThreshold {
				continue
			}
			r := aiRel.Bilinear(float64(x)*sx, float64(y)*sy)
			rel = append(rel, float64(r))
			inv = append(inv, 1.0/(float64(m)+1e-6))
		}
	}
	if len(rel) < p.MinCalibrationSamples {
		monitoring.Logf("[fusion] calibration skipped: %d reference pairs (< %d)", len(rel), p.MinCalibrationSamples)
		return aiRel, false
	}

	offset, scale := stat.LinearRegression(rel, inv, nil, false)
	if math.IsNaN(scale) || math.IsNaN(offset) || math.IsInf(scale, 0) || math.IsInf(offset, 0) {
		monitoring.Logf("[fusion] calibration fit degenerate, using relative depth as-is")
		return aiRel, false
	}

	out := geom.NewField(aiRel.Width, aiRel.Height)
	lo := p.MinDepthMeters
	hi := p.MaxDepthMeters * 2
	for i, r := range aiRel.Values {
		denom := scale*float64(r) + offset
		if denom <= 1e-6 {
			continue // leaves pixel at zero, i.e. invalid
		}
		d := float32(1.0 / denom)
		if d < lo {
			d = lo
		} else if d > hi {
			d = hi
		}
		out.Values[i] = d
	}
	return out, true
}

// normalizedWeights scales a weight pair so it sums to 1. A degenerate pair
// (both zero or negative) falls back to an even split.
func normalizedWeights(wm, wa float32) (float32, float32) {
	if wm < 0 {
		wm = 0
	}
	if wa < 0 {
		wa = 0
	}
	sum := wm + wa
	if sum <= 0 {
		return 0.5, 0.5
	}
	return wm / sum, wa / sum
}

// agreementConfidence derives the output confidence where both inputs are
// valid: the base confidence reduced by how strongly the two estimates
// disagree, with the penalty capped.
func agreementConfidence(metricVal, aiVal float32, p FusionParams) float32 {
	relDiff := float32(math.Abs(float64(metricVal-aiVal))) / (metricVal + 1e-6)
	penalty := relDiff * 2
	if penalty > p.DisagreementPenaltyCap {
		penalty = p.DisagreementPenaltyCap
	}
	c := p.AgreementBaseConfidence - penalty
	if c < 0 {
		c = 0
	}
	return c
}

// detectEdges runs a 3x3 Sobel pass over the fused field, normalises the
// gradient magnitude by its maximum and thresholds to a binary edge map.
func detectEdges(depth *geom.Field, threshold float32) (*geom.Field, int) {
	w, h := depth.Width, depth.Height
	mag := geom.NewField(w, h)
	maxMag := float32(0)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := -depth.At(x-1, y-1) + depth.At(x+1, y-1) +
				-2*depth.At(x-1, y) + 2*depth.At(x+1, y) +
				-depth.At(x-1, y+1) + depth.At(x+1, y+1)
			gy := -depth.At(x-1, y-1) - 2*depth.At(x, y-1) - depth.At(x+1, y-1) +
				depth.At(x-1, y+1) + 2*depth.At(x, y+1) + depth.At(x+1, y+1)
			m := float32(math.Sqrt(float64(gx*gx + gy*gy)))
			mag.Values[y*w+x] = m
			if m > maxMag {
				maxMag = m
			}
		}
	}

	edges := geom.NewField(w, h)
	count := 0
	if maxMag <= 0 {
		return edges, 0
	}
	for i, m := range mag.Values {
		if m/maxMag >= threshold {
			edges.Values[i] = 1
			count++
		}
	}
	return edges, count
}

func checkField(f *geom.Field) error {
	if f == nil {
		return nil
	}
	if f.Width <= 0 || f.Height <= 0 || len(f.Values) != f.Width*f.Height {
		return fmt.Errorf("%w: %dx%d with %d values", ErrFieldMismatch, f.Width, f.Height, len(f.Values))
	}
	return nil
}
