// Package predict integrates an external monocular depth-inference service
// with the scan pipeline. The service receives color frames over HTTP and
// returns a relative (non-metric) depth field; metric calibration happens
// downstream in the fusion engine.
package predict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/banshee-data/depthscan/internal/geom"
	"github.com/banshee-data/depthscan/internal/httputil"
	"github.com/banshee-data/depthscan/internal/scan"
)

// inferRequest is the wire format sent to the inference endpoint.
type inferRequest struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pixels []byte `json:"pixels"` // RGBA, row-major; JSON-encoded as base64
}

// inferResponse is the wire format returned by the inference endpoint.
type inferResponse struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float32 `json:"values"`
}

// Remote is a scan.DepthPredictor backed by an HTTP inference service.
type Remote struct {
	url    string
	client httputil.HTTPClient
}

// NewRemote creates a predictor for the given inference endpoint. A nil
// client uses http.DefaultClient.
func NewRemote(url string, client httputil.HTTPClient) *Remote {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &Remote{url: url, client: client}
}

// Predict sends the color image to the inference service and returns the
// decoded relative depth field.
func (r *Remote) Predict(img *scan.ColorImage) (*geom.Field, error) {
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("predict: no color image")
	}

	body, err := json.Marshal(inferRequest{
		Width:  img.Width,
		Height: img.Height,
		Pixels: img.Pixels,
	})
	if err != nil {
		return nil, fmt.Errorf("predict: encode request: %w", err)
	}

	resp, err := r.client.Post(r.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read a little of the body for diagnostics; inference servers put
		// their error reason there.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("predict: inference service returned %d: %s", resp.StatusCode, msg)
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("predict: decode response: %w", err)
	}
	if out.Width <= 0 || out.Height <= 0 || len(out.Values) != out.Width*out.Height {
		return nil, fmt.Errorf("predict: malformed field %dx%d with %d values", out.Width, out.Height, len(out.Values))
	}

	field := geom.NewField(out.Width, out.Height)
	copy(field.Values, out.Values)
	return field, nil
}
