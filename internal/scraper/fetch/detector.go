package fetch

import (
	"bytes"
)

// RenderDetector decides whether a plain HTML fetch came back as an
// unrendered application shell and needs the headless renderer.
type RenderDetector struct {
	BodyLengthThreshold int
}

// NewRenderDetector creates a detector.
func NewRenderDetector(threshold int) *RenderDetector {
	if threshold == 0 {
		threshold = 2048
	}
	return &RenderDetector{BodyLengthThreshold: threshold}
}

var shellMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("enable JavaScript"),
}

// NeedsRender reports whether the body looks like a JS application
// shell rather than server-rendered content.
func (d *RenderDetector) NeedsRender(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	if len(body) < d.BodyLengthThreshold {
		return true
	}
	for _, marker := range shellMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}
