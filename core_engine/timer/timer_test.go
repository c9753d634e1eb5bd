package timer_test

import (
	"errors"
	"math/rand"
	"testing"

	"example.com/pmdrvr/core_engine/irq"
	"example.com/pmdrvr/core_engine/irq/irqtest"
	"example.com/pmdrvr/core_engine/memory"
	"example.com/pmdrvr/core_engine/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clockLine irq.Line = 8

type fakeSource struct {
	rates   []int
	running bool
	acks    int
	rateErr error
}

func (f *fakeSource) Line() irq.Line { return clockLine }

func (f *fakeSource) SetRate(hz int) error {
	if f.rateErr != nil {
		return f.rateErr
	}
	f.rates = append(f.rates, hz)
	return nil
}

func (f *fakeSource) Start() error { f.running = true; return nil }
func (f *fakeSource) Stop() error  { f.running = false; return nil }
func (f *fakeSource) Acknowledge() { f.acks++ }

// spyInts records line mask changes made by the service.
type spyInts struct {
	*irq.Controller
	calls []string
}

func (s *spyInts) DisableLine(l irq.Line) error {
	s.calls = append(s.calls, "disable")
	return s.Controller.DisableLine(l)
}

func (s *spyInts) EnableLine(l irq.Line) error {
	s.calls = append(s.calls, "enable")
	return s.Controller.EnableLine(l)
}

type rig struct {
	svc  *timer.Service
	ctrl *irq.Controller
	ints *spyInts
	pic  *irqtest.PIC
	vec  *irqtest.Vectors
	src  *fakeSource
}

func newRig(t *testing.T, opts ...timer.Option) *rig {
	t.Helper()
	r := &rig{
		pic: irqtest.NewPIC(),
		vec: irqtest.NewVectors(),
		src: &fakeSource{},
	}
	ctrl, err := irq.New(r.pic, r.vec, memory.NewHeap(0),
		irq.WithCPU(&irqtest.CPU{Enabled: true}),
		irq.WithClock(&irqtest.Clock{Step: 1}, func() {}),
	)
	require.NoError(t, err)
	r.ctrl = ctrl
	r.ints = &spyInts{Controller: ctrl}
	r.svc = timer.New(r.ints, r.src, opts...)
	return r
}

func (r *rig) armed(t *testing.T, rate int) *rig {
	t.Helper()
	require.NoError(t, r.svc.Init(rate))
	return r
}

func (r *rig) advance(n int) {
	for range n {
		r.vec.Fire(clockLine)
	}
}

func TestValidRate(t *testing.T) {
	for _, rate := range []int{2, 4, 64, 1024} {
		assert.True(t, timer.ValidRate(rate), rate)
	}
	for _, rate := range []int{-2, 0, 1, 3, 1000, 2048} {
		assert.False(t, timer.ValidRate(rate), rate)
	}
}

func TestInitRejectsUnsupportedRate(t *testing.T) {
	r := newRig(t)
	for _, rate := range []int{0, 1, 3, 1000, 2048} {
		err := r.svc.Init(rate)
		assert.ErrorIs(t, err, timer.ErrUnsupportedRate, rate)
		assert.Equal(t, timer.Uninitialized, r.svc.State())
		assert.False(t, r.ctrl.Registered(clockLine))
	}
	require.NoError(t, r.svc.Init(2))
	assert.Equal(t, timer.Armed, r.svc.State())
}

func TestInitIsIdempotent(t *testing.T) {
	r := newRig(t).armed(t, 1024)
	require.NoError(t, r.svc.Init(64))
	assert.Equal(t, []int{1024}, r.src.rates)
	assert.Equal(t, 1024, r.svc.Rate())
	assert.True(t, r.src.running)
	assert.True(t, r.ctrl.Registered(clockLine))
	assert.False(t, r.pic.Masked(clockLine))
}

func TestInitRollsBackWhenSourceRefusesRate(t *testing.T) {
	r := newRig(t)
	r.src.rateErr = errors.New("divisor out of range")
	err := r.svc.Init(2)
	require.ErrorIs(t, err, timer.ErrUnsupportedRate)
	assert.False(t, r.ctrl.Registered(clockLine))

	assert.Zero(t, r.svc.Rate())

	r.src.rateErr = nil
	require.NoError(t, r.svc.Init(512))
	assert.Equal(t, 512, r.svc.Rate())
}

func TestInitFailsWhenLineOwned(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.ctrl.RegisterHandler(clockLine, func(irq.Line) {}))
	err := r.svc.Init(1024)
	assert.ErrorIs(t, err, irq.ErrAlreadyRegistered)
	assert.Equal(t, timer.Uninitialized, r.svc.State())
	assert.Zero(t, r.svc.Rate(), "nothing was programmed")
}

func TestTickStep(t *testing.T) {
	r := newRig(t).armed(t, 256)
	r.advance(3)
	assert.Equal(t, timer.Tick(12), r.svc.Now())
	assert.Equal(t, 3, r.src.acks)
	// every tick is passed on to the previous owner of the clock line
	assert.Equal(t, 3, r.vec.BIOS[clockLine])
	assert.Equal(t, 3, r.pic.EOICount(clockLine))
}

func TestEqualExpiriesFireInScheduleOrder(t *testing.T) {
	r := newRig(t).armed(t, 1024)
	var fired []string
	record := func(data any) { fired = append(fired, data.(string)) }

	var a, b, c timer.Request
	require.NoError(t, r.svc.Schedule(&a, 10, record, "A"))
	require.NoError(t, r.svc.Schedule(&c, 20, record, "C"))
	require.NoError(t, r.svc.Schedule(&b, 10, record, "B"))

	r.advance(15)
	assert.Equal(t, []string{"A", "B"}, fired)
	assert.True(t, c.Linked())
	assert.False(t, a.Linked())
	assert.Equal(t, 1, r.svc.Pending())

	r.advance(10)
	assert.Equal(t, []string{"A", "B", "C"}, fired)
	assert.Zero(t, r.svc.Pending())
}

func TestDistinctExpiriesFireAscending(t *testing.T) {
	r := newRig(t).armed(t, 1024)
	rng := rand.New(rand.NewSource(1))
	expiries := rng.Perm(64)

	var fired []int
	reqs := make([]timer.Request, len(expiries))
	for i, e := range expiries {
		require.NoError(t, r.svc.Schedule(&reqs[i], timer.Tick(e+1), func(data any) {
			fired = append(fired, data.(int))
		}, e+1))
	}
	r.advance(70)
	require.Len(t, fired, 64)
	for i := range fired {
		assert.Equal(t, i+1, fired[i])
	}
}

func TestScheduleInPast(t *testing.T) {
	r := newRig(t).armed(t, 1024)
	r.advance(5)

	var keep, late timer.Request
	require.NoError(t, r.svc.Schedule(&keep, 9, func(any) {}, nil))
	err := r.svc.Schedule(&late, 4, func(any) {}, nil)
	require.ErrorIs(t, err, timer.ErrExpiryInPast)
	assert.False(t, late.Linked())
	assert.Equal(t, 1, r.svc.Pending())

	// now() itself is not in the past
	require.NoError(t, r.svc.Schedule(&late, 5, func(any) {}, nil))
}

func TestScheduleRejectsNil(t *testing.T) {
	r := newRig(t)
	var req timer.Request
	assert.ErrorIs(t, r.svc.Schedule(nil, 1, func(any) {}, nil), timer.ErrInvalidRequest)
	assert.ErrorIs(t, r.svc.Schedule(&req, 1, nil, nil), timer.ErrInvalidRequest)
}

func TestCancel(t *testing.T) {
	r := newRig(t).armed(t, 1024)
	var fired []string
	record := func(data any) { fired = append(fired, data.(string)) }

	var a, b, c, never timer.Request
	require.NoError(t, r.svc.Schedule(&a, 3, record, "A"))
	require.NoError(t, r.svc.Schedule(&b, 3, record, "B"))
	require.NoError(t, r.svc.Schedule(&c, 5, record, "C"))

	assert.True(t, r.svc.Cancel(&b))
	assert.False(t, b.Linked())
	assert.Equal(t, 2, r.svc.Pending())
	assert.False(t, r.svc.Cancel(&b), "second cancel")
	assert.False(t, r.svc.Cancel(&never))
	assert.False(t, r.svc.Cancel(nil))

	r.advance(3)
	assert.False(t, r.svc.Cancel(&a), "already fired")
	assert.Equal(t, 1, r.svc.Pending())

	r.advance(2)
	assert.Equal(t, []string{"A", "C"}, fired)
}

func TestRescheduleMovesRequest(t *testing.T) {
	r := newRig(t).armed(t, 1024)
	fired := 0
	var req timer.Request
	require.NoError(t, r.svc.Schedule(&req, 2, func(any) { fired++ }, nil))
	require.NoError(t, r.svc.Schedule(&req, 6, func(any) { fired++ }, nil))
	assert.Equal(t, 1, r.svc.Pending())
	assert.Equal(t, timer.Tick(6), req.Expiry())

	r.advance(5)
	assert.Zero(t, fired)
	r.advance(1)
	assert.Equal(t, 1, fired)
}

func TestCallbackReschedulesItself(t *testing.T) {
	r := newRig(t).armed(t, 1024)
	var at []timer.Tick
	var req timer.Request
	var poll timer.Callback
	poll = func(any) {
		at = append(at, r.svc.Now())
		assert.False(t, r.pic.Masked(clockLine))
		require.NoError(t, r.svc.ScheduleIn(&req, 3, poll, nil))
	}
	require.NoError(t, r.svc.ScheduleIn(&req, 3, poll, nil))
	r.ints.calls = nil

	r.advance(10)
	assert.Equal(t, []timer.Tick{3, 6, 9}, at)
	assert.Empty(t, r.ints.calls, "no masking from inside the clock dispatch")
	assert.True(t, req.Linked())
}

func TestScheduleMasksClockLine(t *testing.T) {
	r := newRig(t).armed(t, 1024)
	var req timer.Request
	require.NoError(t, r.svc.Schedule(&req, 5, func(any) {}, nil))
	assert.Equal(t, []string{"disable", "enable"}, r.ints.calls)
	assert.False(t, r.pic.Masked(clockLine))

	r.ints.calls = nil
	assert.True(t, r.svc.Cancel(&req))
	assert.Equal(t, []string{"disable", "enable"}, r.ints.calls)

	// an already masked line stays masked
	require.NoError(t, r.ctrl.DisableLine(clockLine))
	r.ints.calls = nil
	require.NoError(t, r.svc.Schedule(&req, 5, func(any) {}, nil))
	assert.Empty(t, r.ints.calls)
	assert.True(t, r.pic.Masked(clockLine))
}

func TestNestedTickDoesNotRewalkPending(t *testing.T) {
	r := newRig(t).armed(t, 1024)
	var fired []string
	var a, b, c timer.Request
	require.NoError(t, r.svc.Schedule(&a, 1, func(any) {
		fired = append(fired, "A")
		// the clock interrupts its own callback
		r.vec.Fire(clockLine)
		assert.Equal(t, []string{"A"}, fired, "nested tick fired timers")
	}, nil))
	require.NoError(t, r.svc.Schedule(&b, 2, func(any) { fired = append(fired, "B") }, nil))
	require.NoError(t, r.svc.Schedule(&c, 4, func(any) { fired = append(fired, "C") }, nil))

	r.advance(1)
	assert.Equal(t, uint64(1), r.svc.ReentryCount())
	assert.Equal(t, timer.Tick(2), r.svc.Now())
	// B came due during the nested tick and is picked up by the outer walk
	assert.Equal(t, []string{"A", "B"}, fired)
	assert.Equal(t, 2, r.vec.BIOS[clockLine])

	r.advance(2)
	assert.Equal(t, []string{"A", "B", "C"}, fired)
	assert.Equal(t, uint64(1), r.svc.ReentryCount())
}

func TestShutdown(t *testing.T) {
	r := newRig(t).armed(t, 1024)
	var req timer.Request
	require.NoError(t, r.svc.Schedule(&req, 100, func(any) {}, nil))
	r.advance(4)

	require.NoError(t, r.svc.Shutdown())
	assert.Equal(t, timer.Uninitialized, r.svc.State())
	assert.False(t, r.src.running)
	assert.False(t, r.ctrl.Registered(clockLine))
	assert.False(t, req.Linked())
	assert.Zero(t, r.svc.Pending())
	assert.Equal(t, timer.Tick(4), r.svc.Now())

	require.NoError(t, r.svc.Shutdown())
	require.NoError(t, r.svc.Init(512))
	r.advance(1)
	assert.Equal(t, timer.Tick(6), r.svc.Now())
}

func TestWait(t *testing.T) {
	r := newRig(t)
	r.svc = timer.New(r.ints, r.src, timer.WithIdle(func() { r.vec.Fire(clockLine) }))
	assert.ErrorIs(t, r.svc.Wait(5), timer.ErrNotArmed)

	require.NoError(t, r.svc.Init(1024))
	require.NoError(t, r.svc.Wait(5))
	assert.Equal(t, timer.Tick(5), r.svc.Now())
}

func TestWaitGivesUpWhenClockStalls(t *testing.T) {
	r := newRig(t)
	idles := 0
	r.svc = timer.New(r.ints, r.src, timer.WithIdle(func() { idles++ }))
	require.NoError(t, r.svc.Init(1024))

	err := r.svc.Wait(3)
	assert.ErrorIs(t, err, timer.ErrClockStalled)
	assert.Equal(t, timer.Tick(0), r.svc.Now())
	assert.GreaterOrEqual(t, idles, 1<<16)
}

func TestWaitToleratesSlowClock(t *testing.T) {
	r := newRig(t)
	polls := 0
	r.svc = timer.New(r.ints, r.src, timer.WithIdle(func() {
		// one tick for every 1000 polls, well under the stall bound
		if polls++; polls%1000 == 0 {
			r.vec.Fire(clockLine)
		}
	}))
	require.NoError(t, r.svc.Init(1024))
	require.NoError(t, r.svc.Wait(4))
	assert.Equal(t, timer.Tick(4), r.svc.Now())
}
