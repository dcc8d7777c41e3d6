// Package inference submits captured frames to the rockfall detection
// service and turns its answer into a types.Detection.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/geosentinel/internal/types"
)

const (
	// PredictPath is the single-frame endpoint of the detection service.
	PredictPath = "/predict_frame"

	// DefaultTimeout bounds a whole Submit round trip.
	DefaultTimeout = 10 * time.Second

	formField = "file"
	fileName  = "frame.jpg"

	maxResponseBytes = 1 << 20
)

// Config configures a Client.
type Config struct {
	// BaseURL of the detection service, e.g. http://localhost:8000
	BaseURL string
	// Timeout for one request (default 10s)
	Timeout time.Duration
}

// Client posts JPEG frames to {BaseURL}/predict_frame. It never retries.
type Client struct {
	endpoint string
	client   *http.Client
	now      func() time.Time
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("inference: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		endpoint: base + PredictPath,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		now: time.Now,
	}, nil
}

// Endpoint returns the full URL frames are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

type predictResponse struct {
	Success *bool           `json:"success"`
	Data    *predictPayload `json:"data"`
	Error   string          `json:"error"`
	Detail  string          `json:"detail"`
}

type predictPayload struct {
	RiskLevel       string   `json:"riskLevel"`
	RockSize        string   `json:"rockSize"`
	Trajectory      string   `json:"trajectory"`
	Confidence      *float64 `json:"confidence"`
	Recommendations []string `json:"recommendations"`
}

// Submit sends one encoded frame and returns the parsed detection.
//
// Errors are *TransportError, *ServerError or *ParseError; all match
// ErrInference. The returned Detection carries the local receive time and a
// fresh trace id.
func (c *Client) Submit(ctx context.Context, image []byte) (types.Detection, error) {
	body, contentType, err := encodeFrame(image)
	if err != nil {
		return types.Detection{}, &TransportError{Op: "encode", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return types.Detection{}, &TransportError{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return types.Detection{}, &TransportError{Op: "post", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return types.Detection{}, &TransportError{Op: "read body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.Detection{}, &ServerError{
			Status:  resp.StatusCode,
			Message: errorMessage(raw),
		}
	}

	var pr predictResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return types.Detection{}, &ParseError{Reason: "malformed json", Err: err}
	}

	if pr.Success == nil {
		return types.Detection{}, &ParseError{Reason: "missing success"}
	}
	if !*pr.Success {
		msg := pr.Error
		if msg == "" {
			msg = "success=false"
		}
		return types.Detection{}, &ServerError{Status: resp.StatusCode, Message: msg}
	}

	d, err := toDetection(pr.Data)
	if err != nil {
		return types.Detection{}, err
	}
	d.Timestamp = c.now()
	d.TraceID = uuid.New().String()

	slog.Debug("inference: detection received",
		"trace_id", d.TraceID,
		"risk_level", string(d.RiskLevel),
		"confidence", d.Confidence,
	)

	return d, nil
}

func encodeFrame(image []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, formField, fileName))
	h.Set("Content-Type", "image/jpeg")

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return &buf, w.FormDataContentType(), nil
}

func toDetection(p *predictPayload) (types.Detection, error) {
	if p == nil {
		return types.Detection{}, &ParseError{Reason: "missing data"}
	}

	risk, err := types.ParseRiskLevel(p.RiskLevel)
	if err != nil {
		return types.Detection{}, &ParseError{Reason: "riskLevel", Err: err}
	}
	size, err := types.ParseRockSize(p.RockSize)
	if err != nil {
		return types.Detection{}, &ParseError{Reason: "rockSize", Err: err}
	}
	traj, err := types.ParseTrajectory(p.Trajectory)
	if err != nil {
		return types.Detection{}, &ParseError{Reason: "trajectory", Err: err}
	}

	if p.Confidence == nil {
		return types.Detection{}, &ParseError{Reason: "missing confidence"}
	}
	conf := *p.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return types.Detection{}, &ParseError{Reason: fmt.Sprintf("confidence %v outside [0,1]", conf)}
	}

	recs := make([]string, 0, len(p.Recommendations))
	recs = append(recs, p.Recommendations...)

	return types.Detection{
		RiskLevel:       risk,
		RockSize:        size,
		Trajectory:      traj,
		Confidence:      conf,
		Recommendations: recs,
	}, nil
}

// errorMessage extracts a human readable message from an error body. The
// service reports {"error": ...}; framework errors use {"detail": ...}.
func errorMessage(raw []byte) string {
	var pr predictResponse
	if err := json.Unmarshal(raw, &pr); err == nil {
		if pr.Error != "" {
			return pr.Error
		}
		if pr.Detail != "" {
			return pr.Detail
		}
	}

	msg := strings.TrimSpace(string(raw))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}
