package scan

import (
	"compress/gzip"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/depthscan/internal/monitoring"
)

// recordedFrame is the gob wire format of one logged sensor frame.
type recordedFrame struct {
	Frame *SensorFrame
}

// FrameRecorder writes delivered frames to a gzip'd gob stream so captures
// can be replayed through the pipeline later.
type FrameRecorder struct {
	mu  sync.Mutex
	f   *os.File
	gz  *gzip.Writer
	enc *gob.Encoder
	n   int64
}

// NewFrameRecorder creates (or truncates) a frame log at path.
func NewFrameRecorder(path string) (*FrameRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	gz := gzip.NewWriter(f)
	return &FrameRecorder{f: f, gz: gz, enc: gob.NewEncoder(gz)}, nil
}

// Record appends a frame to the log.
func (r *FrameRecorder) Record(frame *SensorFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(recordedFrame{Frame: frame}); err != nil {
		return err
	}
	r.n++
	return nil
}

// Close flushes and closes the log.
func (r *FrameRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.gz.Close(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}

// Frames returns the number of frames recorded.
func (r *FrameRecorder) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// ReplaySource replays a recorded frame log through the Source interface.
// Playback is paced by the original frame timestamps scaled by Rate, or
// as fast as the consumer accepts when Rate is zero.
type ReplaySource struct {
	Path string
	Rate float64 // playback speed multiplier; 0 = unpaced

	frameCh  chan *SensorFrame
	tracking atomic.Int32

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewReplaySource creates a replay source for the given frame log.
func NewReplaySource(path string, rate float64) *ReplaySource {
	return &ReplaySource{
		Path:    path,
		Rate:    rate,
		frameCh: make(chan *SensorFrame, 8),
	}
}

// Start begins playback.
func (s *ReplaySource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("replay source already running")
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("open frame log: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("frame log: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	s.tracking.Store(int32(TrackingNormal))

	go s.run(runCtx, f, gz)
	return nil
}

func (s *ReplaySource) run(ctx context.Context, f *os.File, gz *gzip.Reader) {
	defer close(s.doneCh)
	defer close(s.frameCh)
	defer f.Close()
	defer gz.Close()

	dec := gob.NewDecoder(gz)
	var prev time.Time
	for {
		var rec recordedFrame
		if err := dec.Decode(&rec); err != nil {
			if !errors.Is(err, io.EOF) {
				monitoring.Logf("[replay] decode error, ending playback: %v", err)
			}
			return
		}
		if rec.Frame == nil {
			continue
		}
		if s.Rate > 0 && !prev.IsZero() {
			gap := rec.Frame.Timestamp.Sub(prev)
			if gap > 0 {
				select {
				case <-time.After(time.Duration(float64(gap) / s.Rate)):
				case <-ctx.Done():
					return
				}
			}
		}
		prev = rec.Frame.Timestamp
		select {
		case s.frameCh <- rec.Frame:
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts playback and closes the frame channel.
func (s *ReplaySource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.doneCh
	running := s.running
	s.running = false
	s.mu.Unlock()
	if !running {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

// Frames returns the delivery channel.
func (s *ReplaySource) Frames() <-chan *SensorFrame { return s.frameCh }

// TrackingState reports the replayed tracking quality.
func (s *ReplaySource) TrackingState() TrackingState {
	return TrackingState(s.tracking.Load())
}
