// Package config loads optional tuning overrides for the scan engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/depthscan/internal/scan"
)

// TuningConfig carries optional overrides for the engine defaults. All
// fields are pointers so that omitted values fall through to the tuned
// defaults; the same JSON shape is accepted by the runtime params endpoint.
type TuningConfig struct {
	// Fusion params
	WeightMetric              *float64 `json:"weight_metric,omitempty"`
	WeightAI                  *float64 `json:"weight_ai,omitempty"`
	MinDepthMeters            *float64 `json:"min_depth_meters,omitempty"`
	MaxDepthMeters            *float64 `json:"max_depth_meters,omitempty"`
	MetricConfidenceThreshold *float64 `json:"metric_confidence_threshold,omitempty"`
	AIFillConfidence          *float64 `json:"ai_fill_confidence,omitempty"`
	AgreementBaseConfidence   *float64 `json:"agreement_base_confidence,omitempty"`
	DisagreementPenaltyCap    *float64 `json:"disagreement_penalty_cap,omitempty"`
	MinCalibrationSamples     *int     `json:"min_calibration_samples,omitempty"`
	DetectEdges               *bool    `json:"detect_edges,omitempty"`
	EdgeThreshold             *float64 `json:"edge_threshold,omitempty"`

	// Extractor params
	MinPointConfidence *float64 `json:"min_point_confidence,omitempty"`
	VoxelSizeM         *float64 `json:"voxel_size_m,omitempty"`
	MaxPoints          *int     `json:"max_points,omitempty"`

	// Coverage params
	CoverageCellSizeM *float64 `json:"coverage_cell_size_m,omitempty"`
	CoveredThreshold  *float64 `json:"covered_threshold,omitempty"`
	GapScanStride     *int     `json:"gap_scan_stride,omitempty"`
	MaxGapResults     *int     `json:"max_gap_results,omitempty"`

	// Pipeline params
	AIFrameStride      *int    `json:"ai_frame_stride,omitempty"`
	CheckpointInterval *string `json:"checkpoint_interval,omitempty"` // duration string like "30s"
	MaxDepthLogFrames  *int    `json:"max_depth_log_frames,omitempty"`
	MaxTextureFrames   *int    `json:"max_texture_frames,omitempty"`
}

// LoadTuningConfig loads overrides from a JSON file. The file must have a
// .json extension and stay under 1MB; fields omitted from the JSON keep
// their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &TuningConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks override values.
func (c *TuningConfig) Validate() error {
	unit := func(name string, v *float64) error {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
		return nil
	}
	for name, v := range map[string]*float64{
		"weight_metric":               c.WeightMetric,
		"weight_ai":                   c.WeightAI,
		"metric_confidence_threshold": c.MetricConfidenceThreshold,
		"ai_fill_confidence":          c.AIFillConfidence,
		"agreement_base_confidence":   c.AgreementBaseConfidence,
		"disagreement_penalty_cap":    c.DisagreementPenaltyCap,
		"min_point_confidence":        c.MinPointConfidence,
		"covered_threshold":           c.CoveredThreshold,
		"edge_threshold":              c.EdgeThreshold,
	} {
		if err := unit(name, v); err != nil {
			return err
		}
	}
	if c.MinDepthMeters != nil && *c.MinDepthMeters < 0 {
		return fmt.Errorf("min_depth_meters must be non-negative, got %f", *c.MinDepthMeters)
	}
	if c.MaxDepthMeters != nil && c.MinDepthMeters != nil && *c.MaxDepthMeters <= *c.MinDepthMeters {
		return fmt.Errorf("max_depth_meters must exceed min_depth_meters")
	}
	if c.VoxelSizeM != nil && *c.VoxelSizeM <= 0 {
		return fmt.Errorf("voxel_size_m must be positive, got %f", *c.VoxelSizeM)
	}
	if c.CoverageCellSizeM != nil && *c.CoverageCellSizeM <= 0 {
		return fmt.Errorf("coverage_cell_size_m must be positive, got %f", *c.CoverageCellSizeM)
	}
	if c.CheckpointInterval != nil && *c.CheckpointInterval != "" {
		if _, err := time.ParseDuration(*c.CheckpointInterval); err != nil {
			return fmt.Errorf("invalid checkpoint_interval %q: %w", *c.CheckpointInterval, err)
		}
	}
	return nil
}

// Apply overlays the overrides onto an engine configuration.
func (c *TuningConfig) Apply(base scan.Config) scan.Config {
	out := base
	setF32 := func(dst *float32, src *float64) {
		if src != nil {
			*dst = float32(*src)
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}

	setF32(&out.Fusion.WeightMetric, c.WeightMetric)
	setF32(&out.Fusion.WeightAI, c.WeightAI)
	setF32(&out.Fusion.MinDepthMeters, c.MinDepthMeters)
	setF32(&out.Fusion.MaxDepthMeters, c.MaxDepthMeters)
	setF32(&out.Fusion.MetricConfidenceThreshold, c.MetricConfidenceThreshold)
	setF32(&out.Fusion.AIFillConfidence, c.AIFillConfidence)
	setF32(&out.Fusion.AgreementBaseConfidence, c.AgreementBaseConfidence)
	setF32(&out.Fusion.DisagreementPenaltyCap, c.DisagreementPenaltyCap)
	setF32(&out.Fusion.EdgeThreshold, c.EdgeThreshold)
	setInt(&out.Fusion.MinCalibrationSamples, c.MinCalibrationSamples)
	if c.DetectEdges != nil {
		out.Fusion.DetectEdges = *c.DetectEdges
	}

	setF32(&out.Extractor.MinConfidence, c.MinPointConfidence)
	if c.VoxelSizeM != nil {
		out.Extractor.VoxelSizeM = *c.VoxelSizeM
	}
	setInt(&out.Extractor.MaxPoints, c.MaxPoints)

	if c.CoverageCellSizeM != nil {
		out.Coverage.CellSizeM = *c.CoverageCellSizeM
	}
	setF32(&out.Coverage.CoveredThreshold, c.CoveredThreshold)
	setInt(&out.Coverage.GapScanStride, c.GapScanStride)
	setInt(&out.Coverage.MaxGapResults, c.MaxGapResults)

	setInt(&out.Pipeline.AIFrameStride, c.AIFrameStride)
	setInt(&out.Pipeline.MaxDepthLogFrames, c.MaxDepthLogFrames)
	setInt(&out.Pipeline.MaxTextureLogFrames, c.MaxTextureFrames)
	if c.CheckpointInterval != nil && *c.CheckpointInterval != "" {
		if d, err := time.ParseDuration(*c.CheckpointInterval); err == nil {
			out.Pipeline.CheckpointInterval = d
		}
	}
	return out
}
