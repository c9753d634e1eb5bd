// Package timer is the tick counter and one-shot timer list every driver
// uses for timeouts and polling.
//
// A Service claims the interrupt line of a periodic ClockSource. Each clock
// interrupt advances the logical tick count by HZ/rate and fires, in expiry
// order, every pending Request that has come due. Callbacks run inside the
// clock dispatch and may schedule or cancel timers, including themselves.
package timer

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"example.com/pmdrvr/core_engine/irq"
	"github.com/joeycumines/logiface"
)

// HZ is the number of logical ticks per second.
const HZ = 1024

const (
	MinRate = 2
	MaxRate = HZ
)

// Tick is a point on the logical clock.
type Tick uint64

// Callback is run when a Request expires.
type Callback func(data any)

// State is the lifecycle state of a Service.
type State int

const (
	Uninitialized State = iota
	Armed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Armed:
		return "armed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrUnsupportedRate = errors.New("timer: unsupported rate")
	ErrExpiryInPast    = errors.New("timer: expiry in the past")
	ErrInvalidRequest  = errors.New("timer: nil request or callback")
	ErrNotArmed        = errors.New("timer: clock not running")
	// ErrClockStalled is returned by Wait when the tick count stopped
	// moving, which happens with interrupts disabled, the clock line
	// masked, or from a handler that outranks the clock.
	ErrClockStalled = errors.New("timer: clock stalled")
)

// stallPolls bounds how long Wait polls a counter that does not move.
const stallPolls = 1 << 16

// ClockSource is a periodic interrupt generator.
type ClockSource interface {
	Line() irq.Line
	// SetRate programs the interrupt frequency in Hz.
	SetRate(hz int) error
	Start() error
	Stop() error
	// Acknowledge clears the source's own interrupt condition so it can
	// raise the next one.
	Acknowledge()
}

// Interrupts is the part of irq.Controller the service uses.
type Interrupts interface {
	RegisterHandler(line irq.Line, h irq.Handler) error
	UnregisterHandler(line irq.Line) error
	EnableLine(line irq.Line) error
	DisableLine(line irq.Line) error
	LineMasked(line irq.Line) bool
	ChainToPrevious(line irq.Line) bool
}

// Request is a caller-owned timer. The Service only links it into its
// pending list between Schedule and firing or Cancel.
type Request struct {
	expiry   Tick
	callback Callback
	data     any
	linked   bool
	owner    *Service
	prev     *Request
	next     *Request
}

// Linked reports whether r is waiting to fire.
func (r *Request) Linked() bool { return r.linked }

// Expiry is the tick r was last scheduled for.
func (r *Request) Expiry() Tick { return r.expiry }

// Service is the logical clock.
type Service struct {
	ints   Interrupts
	src    ClockSource
	logger *logiface.Logger[logiface.Event]
	idle   func()

	now       atomic.Uint64
	reentries atomic.Uint64

	state          State
	rate           int
	step           Tick
	head, tail     *Request
	pending        int
	dispatchActive bool
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return func(s *Service) { s.logger = l }
}

// WithIdle sets what Wait runs between polls of the counter.
func WithIdle(fn func()) Option {
	return func(s *Service) {
		if fn != nil {
			s.idle = fn
		}
	}
}

// New returns an uninitialized Service that will drive src through ints.
func New(ints Interrupts, src ClockSource, opts ...Option) *Service {
	s := &Service{
		ints: ints,
		src:  src,
		idle: runtime.Gosched,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidRate reports whether rate is a power of two in [MinRate, MaxRate].
func ValidRate(rate int) bool {
	return rate >= MinRate && rate <= MaxRate && rate&(rate-1) == 0
}

// Init claims the clock line and starts the source at rate Hz. It is a
// no-op if the service is already armed.
func (s *Service) Init(rate int) error {
	if s.state == Armed {
		return nil
	}
	if !ValidRate(rate) {
		return fmt.Errorf("%w: %d Hz", ErrUnsupportedRate, rate)
	}
	line := s.src.Line()
	if err := s.ints.RegisterHandler(line, s.tick); err != nil {
		return fmt.Errorf("timer: claim clock line %d: %w", line, err)
	}
	if err := s.src.SetRate(rate); err != nil {
		s.release(line)
		return fmt.Errorf("%w: %w", ErrUnsupportedRate, err)
	}
	prevRate, prevStep := s.rate, s.step
	s.rate = rate
	s.step = Tick(HZ / rate)
	s.state = Armed
	if err := s.src.Start(); err != nil {
		s.state = Uninitialized
		s.rate, s.step = prevRate, prevStep
		s.release(line)
		return fmt.Errorf("timer: start clock: %w", err)
	}
	s.logger.Info().
		Int("irq", int(line)).
		Int("rate", rate).
		Int("step", int(s.step)).
		Uint64("now", s.now.Load()).
		Log("timer service armed")
	return nil
}

func (s *Service) release(line irq.Line) {
	if err := s.ints.UnregisterHandler(line); err != nil {
		s.logger.Err().Int("irq", int(line)).Err(err).Log("release clock line")
	}
}

// Shutdown stops the source, gives the clock line back and drops every
// pending timer. The tick count keeps its value.
func (s *Service) Shutdown() error {
	if s.state != Armed {
		return nil
	}
	line := s.src.Line()
	stopErr := s.src.Stop()
	unregErr := s.ints.UnregisterHandler(line)
	s.state = Uninitialized

	dropped := 0
	for s.head != nil {
		s.unlink(s.head)
		dropped++
	}
	s.logger.Info().
		Int("irq", int(line)).
		Int("dropped", dropped).
		Uint64("reentries", s.reentries.Load()).
		Log("timer service shut down")
	return errors.Join(stopErr, unregErr)
}

// Now returns the current tick. It is safe from any context.
func (s *Service) Now() Tick { return Tick(s.now.Load()) }

// Schedule links req to fire at expiry, replacing any earlier schedule of
// the same request. Requests with equal expiry fire in the order they were
// scheduled.
func (s *Service) Schedule(req *Request, expiry Tick, cb Callback, data any) error {
	if req == nil || cb == nil {
		return ErrInvalidRequest
	}
	if now := s.Now(); expiry < now {
		return fmt.Errorf("%w: expiry %d, now %d", ErrExpiryInPast, expiry, now)
	}
	unlock := s.critical()
	defer unlock()
	if req.linked {
		if req.owner != s {
			return fmt.Errorf("%w: request pending on another service", ErrInvalidRequest)
		}
		s.unlink(req)
	}
	req.expiry = expiry
	req.callback = cb
	req.data = data
	s.insert(req)
	s.logger.Trace().Uint64("expiry", uint64(expiry)).Int("pending", s.pending).Log("timer scheduled")
	return nil
}

// ScheduleIn schedules req delta ticks from now.
func (s *Service) ScheduleIn(req *Request, delta Tick, cb Callback, data any) error {
	return s.Schedule(req, s.Now()+delta, cb, data)
}

// Cancel unlinks req and reports whether it was pending.
func (s *Service) Cancel(req *Request) bool {
	if req == nil || !req.linked || req.owner != s {
		return false
	}
	unlock := s.critical()
	defer unlock()
	// it may have fired while the line was being masked
	if !req.linked {
		return false
	}
	s.unlink(req)
	return true
}

// Wait busy-polls until ticks have elapsed. It gives up with
// ErrClockStalled if the counter stops advancing.
func (s *Service) Wait(ticks Tick) error {
	if s.state != Armed {
		return ErrNotArmed
	}
	start := s.Now()
	deadline := start + ticks
	last, stalled := start, 0
	for {
		now := s.Now()
		if now >= deadline {
			return nil
		}
		if now != last {
			last, stalled = now, 0
		} else if stalled++; stalled > stallPolls {
			s.logger.Warning().
				Uint64("tick", uint64(now)).
				Uint64("remaining", uint64(deadline-now)).
				Log("clock stalled during wait")
			return fmt.Errorf("%w: %d of %d ticks elapsed", ErrClockStalled, now-start, ticks)
		}
		s.idle()
	}
}

func (s *Service) State() State { return s.state }

// Rate is the programmed clock rate in Hz, zero before the first Init.
func (s *Service) Rate() int { return s.rate }

// Line is the interrupt line of the clock source.
func (s *Service) Line() irq.Line { return s.src.Line() }

// Pending is the number of linked requests.
func (s *Service) Pending() int { return s.pending }

// ReentryCount is the number of clock interrupts that arrived while a
// previous one was still firing timers.
func (s *Service) ReentryCount() uint64 { return s.reentries.Load() }

// tick is the clock line handler.
func (s *Service) tick(line irq.Line) {
	s.src.Acknowledge()
	s.now.Add(uint64(s.step))
	if s.dispatchActive {
		s.reentries.Add(1)
		s.ints.ChainToPrevious(line)
		return
	}

	s.dispatchActive = true
	for s.head != nil && s.head.expiry <= s.Now() {
		req := s.head
		s.unlink(req)
		cb, data := req.callback, req.data
		cb(data)
	}
	s.dispatchActive = false
	s.ints.ChainToPrevious(line)
}

// critical masks the clock line for a list update. Inside the clock
// dispatch the list is already exclusive.
func (s *Service) critical() func() {
	if s.dispatchActive || s.state != Armed {
		return func() {}
	}
	line := s.src.Line()
	if s.ints.LineMasked(line) {
		return func() {}
	}
	_ = s.ints.DisableLine(line)
	return func() { _ = s.ints.EnableLine(line) }
}

// insert links req after the last request due no later than it.
func (s *Service) insert(req *Request) {
	p := s.tail
	for p != nil && p.expiry > req.expiry {
		p = p.prev
	}
	req.prev = p
	if p == nil {
		req.next = s.head
		s.head = req
	} else {
		req.next = p.next
		p.next = req
	}
	if req.next == nil {
		s.tail = req
	} else {
		req.next.prev = req
	}
	req.linked = true
	req.owner = s
	s.pending++
}

func (s *Service) unlink(req *Request) {
	if req.prev == nil {
		s.head = req.next
	} else {
		req.prev.next = req.next
	}
	if req.next == nil {
		s.tail = req.prev
	} else {
		req.next.prev = req.prev
	}
	req.prev, req.next = nil, nil
	req.linked = false
	req.owner = nil
	s.pending--
}
