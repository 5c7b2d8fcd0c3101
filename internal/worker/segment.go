package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

// SegmentStream is a live segmentation session against one node. Raw PCM
// goes in over Send; detected segment boundaries come out of Boundaries,
// which closes once the node has flushed its final boundary after Finish.
type SegmentStream struct {
	conn       *websocket.Conn
	results    chan Boundary
	errors     chan error
	done       chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once
	mu         sync.Mutex
	wg         sync.WaitGroup
}

// Segment opens a segmentation stream on the node at the given address.
// The stream carries i16 little-endian mono PCM at SampleRate.
func (c *Client) Segment(ctx context.Context, address, capability string) (*SegmentStream, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   address,
		Path:   "/segment",
		RawQuery: url.Values{
			"nc": {"1"},
			"sr": {strconv.Itoa(SampleRate)},
			"st": {"i16"},
		}.Encode(),
	}

	headers := http.Header{}
	headers.Set(CapabilitiesHeader, capability)
	headers.Set("Content-Type", "audio/lpcm")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial segmentation node %s: %w", address, err)
	}

	s := &SegmentStream{
		conn:    conn,
		results: make(chan Boundary, 16),
		errors:  make(chan error, 1),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.readLoop()

	return s, nil
}

// Send forwards a chunk of PCM audio to the node.
func (s *SegmentStream) Send(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return fmt.Errorf("segment stream is closed")
	default:
	}

	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// Boundaries returns the channel of detected segment boundaries. The channel
// is closed when the node finishes the stream.
func (s *SegmentStream) Boundaries() <-chan Boundary {
	return s.results
}

// Errors returns the channel of stream errors.
func (s *SegmentStream) Errors() <-chan error {
	return s.errors
}

// Finish half-closes the stream: no more audio will be sent, but boundaries
// already in flight on the node still arrive before Boundaries closes.
func (s *SegmentStream) Finish() {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
}

// Close tears down the stream. Safe to call more than once.
func (s *SegmentStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

// readLoop delivers boundaries until the node closes the stream or an error
// occurs. It owns the results channel.
func (s *SegmentStream) readLoop() {
	defer s.wg.Done()
	defer close(s.results)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			select {
			case <-s.done:
			case s.errors <- fmt.Errorf("segment stream read: %w", err):
			default:
			}
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		var boundary Boundary
		if err := json.Unmarshal(msg, &boundary); err != nil {
			select {
			case <-s.done:
			case s.errors <- fmt.Errorf("malformed segment boundary %q: %w", msg, err):
			default:
			}
			return
		}

		select {
		case <-s.done:
			return
		case s.results <- boundary:
		}
	}
}
