package gstcapture

import (
	"fmt"
	"strings"
)

// Kind selects the GStreamer source element.
type Kind string

const (
	KindV4L2 Kind = "v4l2"
	KindRTSP Kind = "rtsp"
	KindTest Kind = "test"
)

// sinkName is the appsink element name looked up after parsing.
const sinkName = "snapshot"

// pipelineDescription builds the gst-launch description for cfg.
//
// Pipeline structure:
//
//	<source> → videoconvert → videoscale → capsfilter → jpegenc → appsink
//
// The appsink keeps a single buffer and drops older ones, so a pull always
// returns the most recent frame.
func pipelineDescription(cfg Config) (string, error) {
	var src string
	switch cfg.Kind {
	case KindV4L2:
		if cfg.Device == "" {
			return "", fmt.Errorf("gstcapture: v4l2 device is required")
		}
		src = fmt.Sprintf("v4l2src device=%s", quote(cfg.Device))
	case KindRTSP:
		if cfg.Device == "" {
			return "", fmt.Errorf("gstcapture: rtsp url is required")
		}
		// TCP only, low latency buffer: snapshots are taken at ~1 Hz
		src = fmt.Sprintf("rtspsrc location=%s protocols=tcp latency=50 ! decodebin", quote(cfg.Device))
	case KindTest:
		src = "videotestsrc is-live=true pattern=ball"
	default:
		return "", fmt.Errorf("gstcapture: unknown source kind %q", cfg.Kind)
	}

	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", fmt.Errorf("gstcapture: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return "", fmt.Errorf("gstcapture: invalid jpeg quality %d (must be 1-100)", cfg.JPEGQuality)
	}

	parts := []string{
		src,
		"videoconvert",
		"videoscale",
		fmt.Sprintf("video/x-raw,width=%d,height=%d", cfg.Width, cfg.Height),
		fmt.Sprintf("jpegenc quality=%d", cfg.JPEGQuality),
		fmt.Sprintf("appsink name=%s max-buffers=1 drop=true sync=false", sinkName),
	}

	return strings.Join(parts, " ! "), nil
}

// quote wraps a property value in double quotes when it contains characters
// that gst-launch would otherwise split on.
func quote(v string) string {
	if strings.ContainsAny(v, " !\"'") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return v
}
