// Package session orchestrates one live transcription stream: it binds
// inbound audio to a segmentation task on a worker node and a pipeline of
// per-segment transcription tasks, meters consumed units against the user's
// balance hold, and emits results in non-decreasing begin order. Every exit
// path — clean close, client disconnect, timeout, node failure, balance
// exhaustion — releases all node reservations and settles the hold.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxmeter/voxmeter/internal/eventlog"
	"github.com/voxmeter/voxmeter/internal/metering"
	"github.com/voxmeter/voxmeter/internal/registry"
	"github.com/voxmeter/voxmeter/internal/scheduler"
	"github.com/voxmeter/voxmeter/internal/worker"
)

// State is the lifecycle phase of a session.
type State string

const (
	StateOpening   State = "opening"
	StateAdmitted  State = "admitted"
	StateStreaming State = "streaming"
	StateDraining  State = "draining"
	StateClosed    State = "closed"

	StateRejected        State = "rejected"
	StateExhausted       State = "exhausted"
	StateUpstreamFailure State = "upstream_failure"
)

// Status is the terminal outcome reported to the client.
type Status string

const (
	StatusCompleted       Status = "completed"
	StatusExhausted       Status = "exhausted"
	StatusCapacity        Status = "capacity"
	StatusUpstreamFailure Status = "upstream_failure"
	StatusInternal        Status = "internal"

	// StatusDisconnected is recorded in usage data when the client drops
	// mid-stream. It is never sent on the wire; there is no one to send it to.
	StatusDisconnected Status = "disconnected"
)

// Segmenter is the outbound segmentation stream a session feeds audio into.
// *worker.SegmentStream satisfies it.
type Segmenter interface {
	Send(ctx context.Context, pcm []byte) error
	Boundaries() <-chan worker.Boundary
	Errors() <-chan error
	Finish()
	Close() error
}

// Dialer opens task connections to worker nodes.
type Dialer interface {
	Segment(ctx context.Context, address, capability string) (Segmenter, error)
	Transcribe(ctx context.Context, req worker.TranscribeRequest) (string, error)
}

// Emitter delivers ordered results to the client.
type Emitter interface {
	EmitSegment(r Result) error
}

// ClientDialer adapts a worker.Client to the Dialer interface.
type ClientDialer struct {
	Client *worker.Client
}

func (d ClientDialer) Segment(ctx context.Context, address, capability string) (Segmenter, error) {
	return d.Client.Segment(ctx, address, capability)
}

func (d ClientDialer) Transcribe(ctx context.Context, req worker.TranscribeRequest) (string, error) {
	return d.Client.Transcribe(ctx, req)
}

// Config holds the session tunables. Defaults cover the zero value.
type Config struct {
	// InflightWindow bounds concurrent transcription tasks per session.
	InflightWindow int
	// TaskTimeout bounds each node task, reservation wait included.
	TaskTimeout time.Duration
	// InitialEstimateUnits is the admission estimate, in billing units
	// (milliseconds of audio).
	InitialEstimateUnits uint64
	// RingCapacityMS is how much trailing audio is kept for extraction.
	RingCapacityMS int
	// GracePeriod bounds cleanup after disconnect or failure.
	GracePeriod time.Duration
}

func (c *Config) applyDefaults() {
	if c.InflightWindow <= 0 {
		c.InflightWindow = 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.InitialEstimateUnits == 0 {
		c.InitialEstimateUnits = 60_000 // one minute of audio
	}
	if c.RingCapacityMS <= 0 {
		c.RingCapacityMS = 30_000
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
}

// Params wires a session to its collaborators.
type Params struct {
	Registry *registry.Registry
	Pool     *scheduler.Pool
	Guard    *metering.Guard
	Dialer   Dialer
	Emitter  Emitter
	Events   *eventlog.Logger
	Logger   *log.Logger
	Config   Config

	User     uuid.UUID
	Tariff   string
	Language string
}

// Session is the live state of one streaming transcription request.
type Session struct {
	id       uuid.UUID
	p        Params
	cfg      Config
	segCap   registry.Capability
	transCap registry.Capability

	ctx    context.Context
	cancel context.CancelFunc

	ring      *ringBuffer
	win       *window
	hold      *metering.Hold
	segRes    *scheduler.Reservation
	segmenter Segmenter
	pumpDone  chan struct{}

	mu         sync.Mutex
	state      State
	failStatus Status
	failErr    error
	exhausted  bool
	reorder    *reorderBuffer
	lastText   string
	settledFee metering.Amount
	startedAt  time.Time

	cleanupOnce sync.Once
}

// New validates the request and resolves its capabilities. This is the
// OPENING phase: a failure here has reserved nothing and held nothing.
func New(p Params) (*Session, error) {
	cfg := p.Config
	cfg.applyDefaults()

	s := &Session{
		id:      uuid.New(),
		p:       p,
		cfg:     cfg,
		state:   StateOpening,
		ring:    newRingBuffer(worker.SampleRate, cfg.RingCapacityMS),
		win:     newWindow(cfg.InflightWindow),
		reorder: newReorderBuffer(),
	}

	segCap, err := p.Registry.Lookup(registry.TaskSegment, p.Tariff)
	if err != nil {
		s.setState(StateRejected)
		return nil, err
	}
	transCap, err := p.Registry.LookupLanguage(registry.TaskTranscribe, p.Tariff, p.Language)
	if err != nil {
		s.setState(StateRejected)
		return nil, err
	}
	s.segCap, s.transCap = segCap, transCap
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Units returns the billing units accrued so far.
func (s *Session) Units() uint64 {
	if s.hold == nil {
		return 0
	}
	return s.hold.Units()
}

// SettledFee returns the fee charged at settlement. Zero until the session
// has fully closed.
func (s *Session) SettledFee() metering.Amount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settledFee
}

// StartedAt returns when the session entered STREAMING.
func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start admits the user and reserves the segmentation capability. Admission
// failure and reservation failure both leave no trace: the hold opened here
// is released again if the subsequent reservation or dial fails.
func (s *Session) Start(ctx context.Context) error {
	s.setState(StateAdmitted)

	// Both task fees accrue per unit of processed audio, so the hold is
	// opened at their combined rate.
	rate := s.segCap.FeePerUnit + s.transCap.FeePerUnit
	hold, err := s.p.Guard.Admit(ctx, s.p.User, s.cfg.InitialEstimateUnits, rate)
	if err != nil {
		s.setState(StateRejected)
		return err
	}

	segRes, err := s.p.Pool.ReserveWait(ctx, s.segCap)
	if err != nil {
		if rerr := s.p.Guard.Release(hold); rerr != nil {
			s.p.Logger.Printf("session %s: release hold after failed reserve: %v", s.id, rerr)
		}
		s.setState(StateRejected)
		return err
	}

	segmenter, err := s.p.Dialer.Segment(ctx, segRes.Address, s.segCap.Name)
	if err != nil {
		if rerr := s.p.Pool.Release(segRes); rerr != nil {
			s.p.Logger.Printf("session %s: release segmentation reservation: %v", s.id, rerr)
		}
		if rerr := s.p.Guard.Release(hold); rerr != nil {
			s.p.Logger.Printf("session %s: release hold after failed dial: %v", s.id, rerr)
		}
		s.setState(StateRejected)
		return fmt.Errorf("segmentation node: %w", err)
	}

	s.hold = hold
	s.segRes = segRes
	s.segmenter = segmenter
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.win.closeOn(s.ctx)
	s.pumpDone = make(chan struct{})
	s.startedAt = time.Now().UTC()
	s.setState(StateStreaming)

	s.p.Events.LogAsync(s.id.String(), eventlog.EventSessionStarted, map[string]any{
		"user":   s.p.User.String(),
		"tariff": s.p.Tariff,
		"node":   segRes.NodeID.String(),
	})
	s.p.Logger.Printf("session %s: streaming (user %s, tariff %s, node %s)",
		s.id, s.p.User, s.p.Tariff, segRes.NodeID)

	go s.pump()
	return nil
}

// PushAudio ingests a chunk of client audio. It blocks while the in-flight
// transcription window is full — that pause is the backpressure the rest of
// the pipeline relies on. After balance exhaustion or a failure it returns
// the terminal error so the caller stops feeding audio and drains.
func (s *Session) PushAudio(ctx context.Context, pcm []byte) error {
	if err := s.terminalErr(); err != nil {
		return err
	}
	if err := s.win.waitFree(); err != nil {
		if terr := s.terminalErr(); terr != nil {
			return terr
		}
		return err
	}
	if err := s.terminalErr(); err != nil {
		return err
	}

	s.ring.push(pcm)
	if err := s.segmenter.Send(ctx, pcm); err != nil {
		s.fail(StatusUpstreamFailure, fmt.Errorf("send audio: %w", err))
		return s.terminalErr()
	}
	return nil
}

// terminalErr reports why the session stopped accepting audio, or nil.
func (s *Session) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if s.exhausted {
		return metering.ErrBalanceExhausted
	}
	return nil
}

// pump consumes segment boundaries and dispatches transcriptions until the
// segmenter finishes or fails.
func (s *Session) pump() {
	defer close(s.pumpDone)

	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-s.segmenter.Errors():
			if err != nil {
				s.fail(StatusUpstreamFailure, err)
			}
			return
		case boundary, ok := <-s.segmenter.Boundaries():
			if !ok {
				return
			}
			s.handleBoundary(boundary)
		}
	}
}

func (s *Session) handleBoundary(b worker.Boundary) {
	if s.terminalErr() != nil {
		return
	}

	s.p.Events.LogAsync(s.id.String(), eventlog.EventSegmentDetected, map[string]any{
		"begin_ms": b.BeginMS,
		"end_ms":   b.EndMS,
	})

	wav := s.ring.extractWAV(b.BeginMS, b.EndMS)
	if err := s.win.acquire(); err != nil {
		return
	}

	s.mu.Lock()
	s.reorder.expect(b.BeginMS)
	prompt := s.lastText
	s.mu.Unlock()

	go s.transcribeSegment(b, wav, prompt)
}

// transcribeSegment runs one transcription task: reserve capacity, call the
// node, accrue metering, hand the result to the reorder buffer. The
// reservation is released on every path out.
func (s *Session) transcribeSegment(b worker.Boundary, wav []byte, prompt string) {
	defer s.win.release()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TaskTimeout)
	defer cancel()

	res, err := s.p.Pool.ReserveWait(ctx, s.transCap)
	if err != nil {
		if errors.Is(err, scheduler.ErrBusy) {
			s.fail(StatusCapacity, fmt.Errorf("transcription capacity: %w", err))
		} else {
			s.fail(StatusUpstreamFailure, fmt.Errorf("reserve transcription: %w", err))
		}
		return
	}
	defer func() {
		if err := s.p.Pool.Release(res); err != nil {
			s.p.Logger.Printf("session %s: release transcription reservation: %v", s.id, err)
		}
	}()

	text, err := s.p.Dialer.Transcribe(ctx, worker.TranscribeRequest{
		Address:    res.Address,
		Capability: s.transCap.Name,
		WAV:        wav,
		Language:   s.p.Language,
		Prompt:     prompt,
	})
	if err != nil {
		s.fail(StatusUpstreamFailure, fmt.Errorf("transcribe segment %d-%d: %w", b.BeginMS, b.EndMS, err))
		return
	}

	// The segment completed, so its units are billable even if the accrual
	// below reports exhaustion.
	units := uint64(b.EndMS - b.BeginMS)
	if err := s.p.Guard.Accrue(s.hold, units); err != nil {
		if errors.Is(err, metering.ErrBalanceExhausted) {
			s.markExhausted()
		} else {
			s.fail(StatusInternal, fmt.Errorf("accrue: %w", err))
			return
		}
	}

	s.emit(b, text)
}

// emit hands a completed segment to the reorder buffer and flushes every
// result whose predecessors have all been emitted. Emission happens under
// the session mutex so the output order is the buffer's release order.
func (s *Session) emit(b worker.Boundary, text string) {
	result := Result{
		Begin: float64(b.BeginMS) / 1000,
		End:   float64(b.EndMS) / 1000,
		Text:  text,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ready := s.reorder.complete(b.BeginMS, result)
	for _, r := range ready {
		if err := s.p.Emitter.EmitSegment(r); err != nil {
			s.failLocked(StatusInternal, fmt.Errorf("emit segment: %w", err))
			return
		}
		s.lastText = r.Text
		s.p.Events.LogAsync(s.id.String(), eventlog.EventSegmentEmitted, map[string]any{
			"begin": r.Begin,
			"end":   r.End,
		})
	}
}

func (s *Session) markExhausted() {
	s.mu.Lock()
	already := s.exhausted
	s.exhausted = true
	if s.state == StateStreaming {
		s.state = StateExhausted
	}
	s.mu.Unlock()

	if !already {
		s.p.Logger.Printf("session %s: balance exhausted", s.id)
		s.p.Events.LogAsync(s.id.String(), eventlog.EventBalanceExhausted, nil)
	}
}

// fail records the first terminal failure and cancels all session work.
func (s *Session) fail(status Status, err error) {
	s.mu.Lock()
	s.failLocked(status, err)
	s.mu.Unlock()
}

func (s *Session) failLocked(status Status, err error) {
	if s.failErr != nil {
		return
	}
	s.failStatus = status
	s.failErr = err
	if status == StatusUpstreamFailure {
		s.state = StateUpstreamFailure
	}
	s.p.Logger.Printf("session %s: failed (%s): %v", s.id, status, err)
	if status == StatusUpstreamFailure {
		s.p.Events.LogAsync(s.id.String(), eventlog.EventUpstreamFailure, map[string]any{
			"error": err.Error(),
		})
	}
	s.cancel()
}

// Drain flushes the stream after the client half-closes or the balance runs
// out: the segmenter is asked to finish, remaining boundaries are processed,
// in-flight transcriptions complete, then everything is released and the
// hold settles. The wait is bounded; a node that never finishes is treated
// as an upstream failure. Returns the terminal status for the client.
func (s *Session) Drain(ctx context.Context) Status {
	s.mu.Lock()
	if s.state == StateStreaming {
		s.state = StateDraining
	}
	s.mu.Unlock()

	s.segmenter.Finish()

	deadline := s.cfg.TaskTimeout + s.cfg.GracePeriod
	select {
	case <-s.pumpDone:
	case <-ctx.Done():
		s.fail(StatusInternal, ctx.Err())
	case <-s.ctx.Done():
	case <-time.After(deadline):
		s.fail(StatusUpstreamFailure, fmt.Errorf("segmentation stream did not finish within %s", deadline))
	}

	s.win.waitIdle()
	s.cleanup()
	return s.terminalStatus()
}

// Abort tears the session down immediately (client disconnect or server
// shutdown). Reservations and the hold's unconsumed portion are returned
// within the grace period.
func (s *Session) Abort() {
	s.cancel()
	s.win.waitIdle()
	s.cleanup()
}

func (s *Session) terminalStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.failStatus != "":
		return s.failStatus
	case s.exhausted:
		return StatusExhausted
	default:
		return StatusCompleted
	}
}

// cleanup releases the segmentation reservation and settles the hold. It
// runs exactly once, on every exit path, and is bounded by the grace
// period: a session never leaks capacity or balance holds.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.cancel()

		if err := s.segmenter.Close(); err != nil {
			s.p.Logger.Printf("session %s: close segmenter: %v", s.id, err)
		}

		if err := s.p.Pool.Release(s.segRes); err != nil {
			s.p.Logger.Printf("session %s: release segmentation reservation: %v", s.id, err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod)
		defer cancel()

		// Settle reconciles the whole hold: accrued units are charged, the
		// reserved estimate leaves allocated_fee. With nothing accrued this
		// equals a release.
		fee, err := s.p.Guard.Settle(ctx, s.hold)
		if err != nil {
			s.p.Logger.Printf("session %s: settle hold: %v", s.id, err)
			// The charge write failed, but the allocation still has to come
			// back: release the hold and log the uncharged fee so it can be
			// reconciled from the usage records.
			if !errors.Is(err, metering.ErrHoldConsumed) {
				uncharged := (s.segCap.FeePerUnit + s.transCap.FeePerUnit).MulUnits(s.hold.Units())
				if rerr := s.p.Guard.Release(s.hold); rerr != nil {
					s.p.Logger.Printf("session %s: release hold after failed settle: %v", s.id, rerr)
				} else {
					s.p.Logger.Printf("session %s: released hold after failed settle, %s over %d units uncharged",
						s.id, uncharged, s.hold.Units())
				}
			}
		} else {
			s.mu.Lock()
			s.settledFee = fee
			s.mu.Unlock()
			s.p.Events.LogAsync(s.id.String(), eventlog.EventSessionSettled, map[string]any{
				"units": s.hold.Units(),
				"fee":   fee.String(),
			})
		}

		s.mu.Lock()
		if s.state == StateDraining || s.state == StateStreaming || s.state == StateAdmitted {
			s.state = StateClosed
		}
		finalState := s.state
		s.mu.Unlock()

		s.p.Events.LogAsync(s.id.String(), eventlog.EventSessionEnded, map[string]any{
			"state": string(finalState),
		})
		s.p.Logger.Printf("session %s: closed (%s, %d units)", s.id, finalState, s.hold.Units())
	})
}
