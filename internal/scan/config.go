package scan

import "time"

// FusionParams configures the depth fusion engine. The blend weights and
// thresholds are hand-tuned defaults; they are parameters rather than
// constants so deployments can adjust them from the tuning file.
type FusionParams struct {
	WeightMetric float32 // blend weight for the hardware depth when both inputs are valid, e.g. 0.8
	WeightAI     float32 // blend weight for the AI estimate, e.g. 0.2

	MinDepthMeters float32 // lower bound of the plausible depth range, e.g. 0.1
	MaxDepthMeters float32 // upper bound of the plausible depth range, e.g. 5.0

	// MetricConfidenceThreshold is the per-pixel confidence above which the
	// blend shifts toward the hardware depth.
	MetricConfidenceThreshold float32
	// LowConfidenceMetricWeight is the hardware weight used when the metric
	// confidence is below the threshold.
	LowConfidenceMetricWeight float32
	// AIFillConfidence is the output confidence assigned to pixels filled
	// from the AI estimate alone. Kept below the extraction threshold so that
	// hole-filled pixels survive fusion but are down-ranked by consumers.
	AIFillConfidence float32
	// DefaultMetricConfidence substitutes for a missing confidence field.
	DefaultMetricConfidence float32
	// AgreementBaseConfidence is the output confidence where both estimates
	// are valid and agree exactly.
	AgreementBaseConfidence float32
	// DisagreementPenaltyCap bounds the confidence penalty subtracted as
	// the two estimates diverge.
	DisagreementPenaltyCap float32

	// CalibrationStride subsamples metric pixels when fitting the
	// relative-to-metric mapping; every stride-th valid pixel contributes.
	CalibrationStride int
	// MinCalibrationSamples is the minimum number of valid reference pairs
	// required before a scale/offset fit is trusted.
	MinCalibrationSamples int

	DetectEdges   bool    // compute the gradient-magnitude edge map
	EdgeThreshold float32 // normalised gradient magnitude above which a pixel is an edge
}

// DefaultFusionParams returns the tuned defaults for depth fusion.
func DefaultFusionParams() FusionParams {
	return FusionParams{
		WeightMetric:              0.8,
		WeightAI:                  0.2,
		MinDepthMeters:            0.1,
		MaxDepthMeters:            5.0,
		MetricConfidenceThreshold: 0.5,
		LowConfidenceMetricWeight: 0.5,
		AIFillConfidence:          0.49,
		DefaultMetricConfidence:   1.0,
		AgreementBaseConfidence:   0.9,
		DisagreementPenaltyCap:    0.5,
		CalibrationStride:         4,
		MinCalibrationSamples:     10,
		DetectEdges:               true,
		EdgeThreshold:             0.5,
	}
}

// ExtractorParams configures point cloud extraction.
type ExtractorParams struct {
	MinConfidence  float32 // skip pixels below this confidence (0-1)
	VoxelSizeM     float64 // voxel grid cell size in metres for downsampling
	MaxPoints      int     // hard cap on the merged cloud size
	SampleColors   bool    // attach colors from the aligned color image when present
	PixelStride    int     // process every stride-th pixel of the fused field
	NormalsEnabled bool    // estimate per-point normals from depth gradients
}

// DefaultExtractorParams returns the tuned defaults for extraction.
func DefaultExtractorParams() ExtractorParams {
	return ExtractorParams{
		MinConfidence:  0.5,
		VoxelSizeM:     0.01,
		MaxPoints:      2_000_000,
		SampleColors:   true,
		PixelStride:    2,
		NormalsEnabled: false,
	}
}

// CoverageParams configures the coverage grid and gap detection.
type CoverageParams struct {
	CellSizeM        float64 // voxel edge length of the coverage grid
	CoveredThreshold float32 // quality score at or above which a cell counts as covered
	// ObservationGain is the fraction by which a new observation moves the
	// cell score toward the observation confidence.
	ObservationGain float32
	// StalenessHalfLife is the elapsed time over which an unrefreshed cell
	// score decays to half of its value.
	StalenessHalfLife time.Duration
	// MaxObservationRangeM discards surface points beyond sensor range.
	MaxObservationRangeM float64
	// GapScanStride amortises boundary scans: one scan per stride processed
	// frames.
	GapScanStride int
	// MaxGapResults caps the number of gap locations reported for guidance.
	MaxGapResults int
}

// DefaultCoverageParams returns the tuned defaults for coverage analysis.
func DefaultCoverageParams() CoverageParams {
	return CoverageParams{
		CellSizeM:            0.05,
		CoveredThreshold:     0.6,
		ObservationGain:      0.3,
		StalenessHalfLife:    2 * time.Minute,
		MaxObservationRangeM: 5.0,
		GapScanStride:        5,
		MaxGapResults:        3,
	}
}

// PipelineParams configures frame scheduling and session retention.
type PipelineParams struct {
	// AIFrameStride runs AI-assisted fusion on every stride-th processed
	// frame; in between the engine upscales the metric field alone.
	AIFrameStride int
	// CheckpointInterval is the wall-clock period between durable
	// checkpoints of the in-progress session.
	CheckpointInterval time.Duration
	// MaxSilentCheckpointFailures is how long checkpointing may fail
	// silently before a warning is escalated through the stats feed.
	MaxSilentCheckpointFailures time.Duration
	// DepthLogStride and TextureLogStride sample every stride-th frame into
	// the session's bounded export logs.
	DepthLogStride   int
	TextureLogStride int
	// MaxDepthLogFrames / MaxTextureLogFrames bound the export logs.
	MaxDepthLogFrames   int
	MaxTextureLogFrames int
	// BadFrameWarnStreak is the number of consecutive rejected frames after
	// which the tracking warning is raised.
	BadFrameWarnStreak int
}

// DefaultPipelineParams returns the tuned defaults for scheduling.
func DefaultPipelineParams() PipelineParams {
	return PipelineParams{
		AIFrameStride:               3,
		CheckpointInterval:          30 * time.Second,
		MaxSilentCheckpointFailures: 5 * time.Minute,
		DepthLogStride:              10,
		TextureLogStride:            15,
		MaxDepthLogFrames:           300,
		MaxTextureLogFrames:         200,
		BadFrameWarnStreak:          30,
	}
}

// Config aggregates all engine parameters. It is passed explicitly into each
// component at construction; there is no process-global settings object.
type Config struct {
	Fusion    FusionParams
	Extractor ExtractorParams
	Coverage  CoverageParams
	Pipeline  PipelineParams
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() Config {
	return Config{
		Fusion:    DefaultFusionParams(),
		Extractor: DefaultExtractorParams(),
		Coverage:  DefaultCoverageParams(),
		Pipeline:  DefaultPipelineParams(),
	}
}
