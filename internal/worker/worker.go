// Package worker holds the outbound clients for capability nodes: a
// websocket stream for audio segmentation and an HTTP multipart call for
// per-segment transcription. The scheduler picks the node; this package
// only speaks its wire protocols.
package worker

import (
	"net"
	"net/http"
	"time"
)

// CapabilitiesHeader names the capability requested from a node.
const CapabilitiesHeader = "X-Voxmeter-Capabilities"

// SampleRate is the PCM sample rate exchanged with nodes. 16kHz mono is
// economical and sufficient for speech recognition.
const SampleRate = 16000

// Boundary is a detected speech segment, in milliseconds from stream start.
type Boundary struct {
	BeginMS uint32 `json:"begin"`
	EndMS   uint32 `json:"end"`
}

// Client dispatches work to capability nodes.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a node client. If httpClient is nil a pooled client is
// built; transcription calls hit few distinct hosts repeatedly, so keeping
// connections alive matters.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		}
	}
	return &Client{httpClient: httpClient}
}
