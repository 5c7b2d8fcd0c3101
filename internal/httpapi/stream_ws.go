package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxmeter/voxmeter/internal/metering"
	"github.com/voxmeter/voxmeter/internal/registry"
	"github.com/voxmeter/voxmeter/internal/scheduler"
	"github.com/voxmeter/voxmeter/internal/session"
	"github.com/voxmeter/voxmeter/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// audioContentType is the only stream encoding accepted: 16 kHz mono
// little-endian i16 PCM.
const audioContentType = "audio/lpcm"

// wsEmitter serializes result writes onto the client connection. The conn
// is set after the upgrade, before the session starts emitting.
type wsEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (e *wsEmitter) EmitSegment(r session.Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteJSON(r)
}

// writeStatus sends the terminal status object.
func (e *wsEmitter) writeStatus(status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.conn.WriteJSON(map[string]string{"status": status})
}

func (e *wsEmitter) writeClose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// handleTranscribeWS runs one streaming transcription session over a
// WebSocket. Binary messages carry audio; a text message equal to the
// terminator query parameter (or a clean close) flushes the stream. Results
// are emitted as they become ordered, followed by a final status object.
func (r *Router) handleTranscribeWS(w http.ResponseWriter, req *http.Request) {
	authUser, err := r.authenticate(req)
	if err != nil {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if ct := req.Header.Get("Content-Type"); ct != "" && ct != audioContentType {
		http.Error(w, `{"error": "unsupported content type"}`, http.StatusUnsupportedMediaType)
		return
	}

	q := req.URL.Query()
	tariff := q.Get("tariff")
	if tariff == "" {
		http.Error(w, `{"error": "tariff is required"}`, http.StatusBadRequest)
		return
	}
	language := q.Get("language")
	terminator := q.Get("terminator")

	if !r.sessions.Add() {
		http.Error(w, `{"error": "shutting down"}`, http.StatusServiceUnavailable)
		return
	}
	defer r.sessions.Done()

	emitter := &wsEmitter{}
	sess, err := session.New(session.Params{
		Registry: r.registry,
		Pool:     r.pool,
		Guard:    r.guard,
		Dialer:   session.ClientDialer{Client: r.worker},
		Emitter:  emitter,
		Events:   r.eventLog,
		Logger:   r.logger,
		Config:   r.cfg.Session,
		User:     authUser.ID,
		Tariff:   tariff,
		Language: language,
	})
	if err != nil {
		if errors.Is(err, registry.ErrNotSupported) {
			http.Error(w, `{"error": "tariff or language not supported"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error": "invalid request"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("transcribe_ws: upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	emitter.conn = conn

	if err := sess.Start(req.Context()); err != nil {
		switch {
		case errors.Is(err, metering.ErrInsufficientBalance):
			emitter.writeStatus("insufficient_balance")
		case errors.Is(err, scheduler.ErrBusy):
			emitter.writeStatus(string(session.StatusCapacity))
		default:
			captureError(req, err, "transcribe_ws: session start failed")
			emitter.writeStatus(string(session.StatusInternal))
		}
		emitter.writeClose()
		return
	}

	r.logger.Printf("transcribe_ws: session %s started (user %s, tariff %s)",
		sess.ID(), authUser.ID, tariff)

	disconnected := false
readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Printf("transcribe_ws: session %s client dropped: %v", sess.ID(), err)
				disconnected = true
			}
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			// Exhaustion and upstream failures surface here; flush
			// whatever completed and report the terminal status.
			if err := sess.PushAudio(req.Context(), data); err != nil {
				break readLoop
			}
		case websocket.TextMessage:
			if string(data) == terminator {
				break readLoop
			}
		}
	}

	var status session.Status
	if disconnected {
		sess.Abort()
		status = disconnectStatus(sess.State())
	} else {
		status = sess.Drain(req.Context())
		emitter.writeStatus(string(status))
		emitter.writeClose()
	}

	r.recordUsage(sess, authUser.ID, tariff, string(status))
	r.logger.Printf("transcribe_ws: session %s finished (%s, %d units)",
		sess.ID(), status, sess.Units())
}

// disconnectStatus maps the state a session ended in after an abort to the
// status recorded in usage data. A drop with no prior terminal condition is
// just a disconnect, not a completion.
func disconnectStatus(st session.State) session.Status {
	switch st {
	case session.StateExhausted:
		return session.StatusExhausted
	case session.StateUpstreamFailure:
		return session.StatusUpstreamFailure
	default:
		return session.StatusDisconnected
	}
}

// recordUsage persists the settled session outcome. Runs on a background
// context: the request context is already dead when the client disconnected.
func (r *Router) recordUsage(sess *session.Session, user uuid.UUID, tariff, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := store.UsageRecord{
		SessionID: sess.ID(),
		UserID:    user,
		Tariff:    tariff,
		Units:     sess.Units(),
		Fee:       sess.SettledFee(),
		Status:    status,
		StartedAt: sess.StartedAt(),
		EndedAt:   time.Now().UTC(),
	}
	if err := r.store.InsertUsageRecord(ctx, rec); err != nil {
		r.logger.Printf("transcribe_ws: session %s usage record: %v", sess.ID(), err)
	}
}
