// Package detector talks to the external pretrained detection model
// server. The model itself is an opaque collaborator; this client only
// ships frames out and detections back.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spotcam/internal/logger"
	"spotcam/internal/pipeline"
)

// Client is an HTTP client for the model server.
type Client struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger

	mu          sync.Mutex
	healthCheck time.Time
	healthy     bool
}

type detectResponse struct {
	Detections []struct {
		Class      string    `json:"class"`
		Confidence float64   `json:"confidence"`
		BBox       []float64 `json:"bbox"` // [x, y, w, h] in frame pixels
	} `json:"detections"`
	Count           int     `json:"count"`
	InferenceTimeMs float64 `json:"inference_time_ms"`
}

// NewClient creates a client for a model server endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: logger.Component("detector"),
	}
}

// IsHealthy checks the model server's health endpoint. Results are
// cached for 30 seconds to keep the refresh loop off the health path.
func (c *Client) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.healthCheck) < 30*time.Second {
		return c.healthy
	}
	c.healthCheck = time.Now()

	resp, err := c.client.Get(c.endpoint + "/health")
	if err != nil {
		c.log.Warn().Err(err).Msg("model server health check failed")
		c.healthy = false
		return false
	}
	defer resp.Body.Close()

	c.healthy = resp.StatusCode == http.StatusOK
	if !c.healthy {
		c.log.Warn().Int("status", resp.StatusCode).Msg("model server unhealthy")
	}
	return c.healthy
}

// Detect uploads the frame and returns detections in frame-pixel
// coordinates, at most maxResults of them. Errors from here are
// environment errors: the caller treats them as fatal to the pipeline.
func (c *Client) Detect(ctx context.Context, frame *pipeline.FrameData, maxResults int) ([]pipeline.Detection, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(frame.Data); err != nil {
		return nil, err
	}
	if err := w.WriteField("max_results", strconv.Itoa(maxResults)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("detection failed: %s", string(body))
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding detection response: %w", err)
	}

	detections := make([]pipeline.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		if len(d.BBox) < 4 {
			continue
		}
		detections = append(detections, pipeline.Detection{
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox: pipeline.BBox{
				X: d.BBox[0],
				Y: d.BBox[1],
				W: d.BBox[2],
				H: d.BBox[3],
			},
		})
		if len(detections) == maxResults {
			break
		}
	}
	return detections, nil
}

var _ pipeline.Detector = (*Client)(nil)
