package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/vsariola/patchbay"
)

// outSlot is one entry of the queue from the audio thread. atoms is allocated
// once per slot, so that lists can be copied in without allocating on the
// audio thread.
type outSlot struct {
	print   bool
	channel string
	msg     patchbay.Message
	atoms   []patchbay.Atom
}

// MaxListLength is the longest list that can be emitted from the audio
// thread. Longer lists are truncated.
const MaxListLength = 64

// Poll dispatches every message emitted by the audio thread since the last
// call to the listeners of its channel, and print output to the printer. It
// returns the number of messages dispatched. Listeners run on the calling
// goroutine, without any engine lock held, so they may call back into the
// engine. Only one goroutine should poll at a time.
func (e *Engine) Poll() (int, error) {
	if e.destroyed.Load() {
		return 0, patchbay.ErrEngineDestroyed
	}
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	n := 0
	for {
		s, ok := e.out.Peek()
		if !ok {
			break
		}
		isPrint, channel, m := s.print, s.channel, s.msg
		if m.Kind == patchbay.KindList {
			m.List = append([]patchbay.Atom(nil), m.List...)
		}
		s.channel, s.msg = "", patchbay.Message{}
		e.out.Advance()
		if isPrint {
			e.printer(channel, m)
		} else {
			for _, sub := range e.subs.snapshot(channel) {
				sub.listener.Receive(channel, m)
			}
		}
		n++
	}
	e.report()
	return n, nil
}

// report logs crashed patches and growing drop counters.
func (e *Engine) report() {
	patches, errs := e.patches.Crashed()
	for i, p := range patches {
		e.log.Error("patch crashed and was silenced", "engine", e.id, "patch", p.String(), "err", errs[i])
	}
	st := e.Stats()
	if st.DroppedIn != e.reported.DroppedIn || st.DroppedOut != e.reported.DroppedOut ||
		st.DroppedPending != e.reported.DroppedPending || st.Overflows != e.reported.Overflows {
		e.log.Warn("messages dropped",
			"engine", e.id,
			"toAudio", st.DroppedIn,
			"fromAudio", st.DroppedOut,
			"pending", st.DroppedPending,
			"overflows", st.Overflows)
	}
	if st.Xruns != e.reported.Xruns {
		e.log.Debug("audio callback overran its buffer", "engine", e.id, "xruns", st.Xruns)
	}
	e.reported = st
}

// Run polls every Config.PollInterval until ctx is done or the engine is
// destroyed. Destroy waits for Run to return.
func (e *Engine) Run(ctx context.Context) error {
	if !trySend(e.pollerRunning, struct{}{}) {
		return errPollerRunning
	}
	tryReceive(e.pollerFinished)
	defer func() {
		<-e.pollerRunning
		trySend(e.pollerFinished, struct{}{})
	}()
	ticker := time.NewTicker(e.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.closePoller:
			return nil
		case <-ticker.C:
			if _, err := e.Poll(); err != nil {
				return err
			}
		}
	}
}

// stopPoller asks a running Run to return and waits for it for a while.
func (e *Engine) stopPoller() {
	select {
	case e.pollerRunning <- struct{}{}:
		// nothing was running
		<-e.pollerRunning
		return
	default:
	}
	trySend(e.closePoller, struct{}{})
	if _, ok := timeoutReceive(e.pollerFinished, 3*time.Second); !ok {
		e.log.Warn("poller did not stop in time", "engine", e.id)
	}
}

// Channel subscribes a buffered Go channel to an engine channel. Messages are
// dropped if the Go channel is full. Unsubscribe with the returned
// Subscription; the Go channel is never closed.
func (e *Engine) Channel(channel string, capacity int) (<-chan patchbay.Message, *Subscription, error) {
	c := make(chan patchbay.Message, capacity)
	sub, err := e.Subscribe(channel, ListenerFunc(func(_ string, m patchbay.Message) {
		trySend(c, m)
	}))
	if err != nil {
		return nil, nil, err
	}
	return c, sub, nil
}

// Await waits for the next message on c, polling the engine meanwhile, and
// gives up after timeout.
func (e *Engine) Await(c <-chan patchbay.Message, timeout time.Duration) (patchbay.Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := e.Poll(); err != nil {
			return patchbay.Message{}, false
		}
		if m, ok := tryReceive(c); ok {
			return m, true
		}
		left := time.Until(deadline)
		if left <= 0 {
			return patchbay.Message{}, false
		}
		if m, ok := timeoutReceive(c, min(left, e.pollInterval())); ok {
			return m, true
		}
	}
}

func (e *Engine) pollInterval() time.Duration {
	if e.cfg.PollInterval > 0 {
		return e.cfg.PollInterval
	}
	return DefaultConfig().PollInterval
}

func (e *Engine) defaultPrinter(prefix string, m patchbay.Message) {
	e.log.Info(m.String(), slog.String("prefix", prefix), slog.String("engine", e.id.String()))
}

// trySend sends v to c if it is not full and reports whether it did.
func trySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

func tryReceive[T any](c <-chan T) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	default:
		return v, false
	}
}

// timeoutReceive blocks until a value is received from c, or t has passed. ok
// is false on timeout or if c was closed.
func timeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	timer := time.NewTimer(t)
	defer timer.Stop()
	select {
	case v, ok = <-c:
		return v, ok
	case <-timer.C:
		return v, false
	}
}
