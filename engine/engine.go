// Package engine ties the pieces of patchbay together: it owns the audio
// backend, the scheduler running the open patches, the array store and the two
// queues between the control side and the audio thread.
//
// All methods are safe to call from any goroutine, except Poll, which should
// be called from one goroutine at a time. ProcessAudio is the audio callback
// and belongs to the audio driver.
package engine

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/arrays"
	"github.com/vsariola/patchbay/audio"
	"github.com/vsariola/patchbay/bridge"
	"github.com/vsariola/patchbay/instance"
	"github.com/vsariola/patchbay/loader"
	"github.com/vsariola/patchbay/soundfile"
	"github.com/vsariola/patchbay/vm"
)

// MixDown makes LoadArrayChannel average all channels of a file.
const MixDown = -1

type (
	Options struct {
		// Logger defaults to slog.Default().
		Logger *slog.Logger
		// Printer receives the output of print nodes. By default it is logged
		// at Info level.
		Printer func(prefix string, m patchbay.Message)
	}

	Engine struct {
		id      uuid.UUID
		cfg     Config
		log     *slog.Logger
		printer func(prefix string, m patchbay.Message)

		backend *audio.Backend
		sched   *vm.Scheduler
		arrays  *arrays.Store
		loader  *loader.Loader
		patches *instance.Manager
		subs    *subscriptions

		sendMu sync.Mutex
		in     *bridge.Ring[patchbay.ScheduledMessage]
		out    *bridge.Ring[outSlot]

		// audio thread only
		inBufs, outBufs [][]float32
		enqueue         func(patchbay.ScheduledMessage)
		budget          time.Duration

		frames    atomic.Int64
		xruns     atomic.Uint64
		destroyed atomic.Bool

		pollMu   sync.Mutex
		reported Stats

		pollerRunning  chan struct{}
		closePoller    chan struct{}
		pollerFinished chan struct{}
	}

	// Stats are counters of an engine since it was created.
	Stats struct {
		// DroppedIn counts messages lost because the queue to the audio
		// thread was full.
		DroppedIn uint64
		// DroppedOut counts emitted messages lost because the queue from the
		// audio thread was full.
		DroppedOut uint64
		// DroppedPending counts messages lost because too many were waiting
		// for their time.
		DroppedPending uint64
		// Overflows counts deliveries cut off by a message loop.
		Overflows uint64
		Blocks    uint64
		Xruns     uint64
	}
)

var errPollerRunning = fmt.Errorf("%w: poller already running", patchbay.ErrStructural)

// New creates an engine and configures an audio stream on driver. The stream
// is not started. Opening the stream fails with a *patchbay.DeviceConfigError
// if the device cannot serve cfg.
func New(cfg Config, driver patchbay.AudioDriver, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		id:             uuid.New(),
		cfg:            cfg,
		log:            log,
		printer:        opts.Printer,
		sched:          vm.NewScheduler(cfg.BlockSize, cfg.PendingCapacity),
		arrays:         arrays.NewStore(),
		loader:         loader.New(cfg.SearchPaths...),
		subs:           newSubscriptions(),
		in:             bridge.New[patchbay.ScheduledMessage](cfg.QueueCapacity),
		inBufs:         makeBuffers(cfg.InputChannels, cfg.BlockSize),
		outBufs:        makeBuffers(cfg.OutputChannels, cfg.BlockSize),
		budget:         cfg.StreamConfig().Duration(),
		pollerRunning:  make(chan struct{}, 1),
		closePoller:    make(chan struct{}, 1),
		pollerFinished: make(chan struct{}, 1),
	}
	e.out = bridge.NewFunc(cfg.QueueCapacity, func(s *outSlot) {
		s.atoms = make([]patchbay.Atom, 0, MaxListLength)
	})
	if e.printer == nil {
		e.printer = e.defaultPrinter
	}
	e.enqueue = func(m patchbay.ScheduledMessage) { e.sched.Enqueue(m) }
	env := vm.Env{
		SampleRate:     float64(cfg.SampleRate),
		BlockSize:      cfg.BlockSize,
		InputChannels:  cfg.InputChannels,
		OutputChannels: cfg.OutputChannels,
		Arrays:         e.arrays,
	}
	e.patches = instance.NewManager(e.loader, env, e.sched, log.With("engine", e.id))
	e.backend = audio.NewBackend(driver, e)
	if err := e.backend.Configure(cfg.StreamConfig()); err != nil {
		return nil, err
	}
	log.Info("engine configured",
		"engine", e.id,
		"sampleRate", cfg.SampleRate,
		"inputs", cfg.InputChannels,
		"outputs", cfg.OutputChannels,
		"blockSize", cfg.BlockSize,
		"ticks", cfg.Ticks)
	return e, nil
}

func makeBuffers(channels, size int) [][]float32 {
	ret := make([][]float32, channels)
	for i := range ret {
		ret[i] = make([]float32, size)
	}
	return ret
}

func (e *Engine) ID() uuid.UUID { return e.id }

func (e *Engine) Config() Config { return e.cfg }

// State returns the state of the audio backend.
func (e *Engine) State() audio.State { return e.backend.State() }

func (e *Engine) Start() error {
	if e.destroyed.Load() {
		return patchbay.ErrEngineDestroyed
	}
	if err := e.backend.Start(); err != nil {
		return err
	}
	e.log.Info("engine started", "engine", e.id)
	return nil
}

// Stop stops the audio callback. Stopping a stopped engine does nothing.
func (e *Engine) Stop() error {
	if e.destroyed.Load() {
		return patchbay.ErrEngineDestroyed
	}
	if err := e.backend.Stop(); err != nil {
		return err
	}
	e.log.Info("engine stopped", "engine", e.id)
	return nil
}

// Destroy stops audio, closes every patch and releases the audio driver. After
// Destroy every method fails with patchbay.ErrEngineDestroyed.
func (e *Engine) Destroy() error {
	if !e.destroyed.CompareAndSwap(false, true) {
		return patchbay.ErrEngineDestroyed
	}
	e.stopPoller()
	err := e.backend.Destroy()
	e.patches.CloseAll()
	e.log.Info("engine destroyed", "engine", e.id)
	return err
}

// ProcessAudio is the audio callback. It moves queued messages to the
// scheduler and computes Config.Ticks blocks.
func (e *Engine) ProcessAudio(in, out []float32) {
	start := time.Now()
	e.in.Drain(e.enqueue)
	bs := e.cfg.BlockSize
	nin, nout := len(e.inBufs), len(e.outBufs)
	for t := 0; t < e.cfg.Ticks; t++ {
		base := t * bs
		for ch, buf := range e.inBufs {
			for i := range buf {
				if j := (base+i)*nin + ch; j < len(in) {
					buf[i] = in[j]
				} else {
					buf[i] = 0
				}
			}
		}
		e.sched.ProcessBlock(e.inBufs, e.outBufs, e)
		for ch, buf := range e.outBufs {
			for i, v := range buf {
				if j := (base+i)*nout + ch; j < len(out) {
					out[j] = v
				}
			}
		}
	}
	e.frames.Add(int64(bs * e.cfg.Ticks))
	if time.Since(start) > e.budget {
		e.xruns.Add(1)
	}
}

// Emit is called on the audio thread for every message sent to a channel. Only
// channels with listeners are forwarded to the control side.
func (e *Engine) Emit(channel string, m patchbay.Message) {
	if e.subs.subscribed(channel) {
		e.push(false, channel, m)
	}
}

// Print is called on the audio thread by print nodes.
func (e *Engine) Print(prefix string, m patchbay.Message) {
	e.push(true, prefix, m)
}

func (e *Engine) push(isPrint bool, channel string, m patchbay.Message) {
	s, ok := e.out.Slot()
	if !ok {
		return
	}
	s.print, s.channel, s.msg = isPrint, channel, m
	if m.Kind == patchbay.KindList {
		s.atoms = s.atoms[:copy(s.atoms[:cap(s.atoms)], m.List)]
		s.msg.List = s.atoms
	}
	e.out.Commit()
}

// Open opens the patch name, looked up in dir and the search path, with a new
// $0. A missing or broken patch is not an error: the null instance is returned
// and the reason logged.
func (e *Engine) Open(name, dir string) (*instance.Patch, error) {
	if e.destroyed.Load() {
		return &instance.Patch{}, patchbay.ErrEngineDestroyed
	}
	return e.opened(e.patches.Open(name, dir))
}

// OpenPath is Open with name and directory given as one path.
func (e *Engine) OpenPath(path string) (*instance.Patch, error) {
	if e.destroyed.Load() {
		return &instance.Patch{}, patchbay.ErrEngineDestroyed
	}
	return e.opened(e.patches.OpenPath(path))
}

// OpenPatch opens a patch given in memory and reports why it fails.
func (e *Engine) OpenPatch(p *patchbay.Patch, name, dir string) (*instance.Patch, error) {
	if e.destroyed.Load() {
		return &instance.Patch{}, patchbay.ErrEngineDestroyed
	}
	return e.patches.OpenPatch(p, name, dir)
}

// opened turns the null instance of an open that lost the race with Destroy
// into an error.
func (e *Engine) opened(p *instance.Patch) (*instance.Patch, error) {
	if !p.Valid && e.destroyed.Load() {
		return p, patchbay.ErrEngineDestroyed
	}
	return p, nil
}

// Close closes p. Messages already queued for it are discarded.
func (e *Engine) Close(p *instance.Patch) error {
	if e.destroyed.Load() {
		return patchbay.ErrEngineDestroyed
	}
	return e.patches.Close(p)
}

// Patches returns the open patches in the order they were opened.
func (e *Engine) Patches() ([]instance.Patch, error) {
	if e.destroyed.Load() {
		return nil, patchbay.ErrEngineDestroyed
	}
	return e.patches.Patches(), nil
}

// Lookup returns the open patch with the given $0.
func (e *Engine) Lookup(dollarZero int) (*instance.Patch, bool, error) {
	if e.destroyed.Load() {
		return nil, false, patchbay.ErrEngineDestroyed
	}
	p, ok := e.patches.Lookup(dollarZero)
	return p, ok, nil
}

// Send sends v to channel as soon as possible. v is converted with
// patchbay.FromValue. If the queue to the audio thread is full the message is
// dropped and patchbay.ErrQueueFull returned.
func (e *Engine) Send(channel string, v any) error {
	return e.post(channel, patchbay.FromValue(v), patchbay.Unscheduled)
}

// SendAt is Send with a delivery time, in seconds of engine time (see
// CurrentTime). Times in the past, and negative times, mean as soon as
// possible.
func (e *Engine) SendAt(channel string, v any, at float64) error {
	t := patchbay.Unscheduled
	if at >= 0 {
		t = int64(math.Round(at * float64(e.cfg.SampleRate)))
	}
	return e.post(channel, patchbay.FromValue(v), t)
}

// SendMessage sends an already built message as soon as possible.
func (e *Engine) SendMessage(channel string, m patchbay.Message) error {
	return e.post(channel, m, patchbay.Unscheduled)
}

func (e *Engine) post(channel string, m patchbay.Message, t int64) error {
	if e.destroyed.Load() {
		return patchbay.ErrEngineDestroyed
	}
	if channel == "" {
		return fmt.Errorf("%w: empty channel name", patchbay.ErrInvalidArgument)
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.in.Push(patchbay.ScheduledMessage{Channel: channel, Message: m, Time: t})
}

// Subscribe adds l to the listeners of channel. Listeners of a channel are
// called in the order they subscribed.
func (e *Engine) Subscribe(channel string, l Listener) (*Subscription, error) {
	if e.destroyed.Load() {
		return nil, patchbay.ErrEngineDestroyed
	}
	if channel == "" || l == nil {
		return nil, fmt.Errorf("%w: subscribing needs a channel and a listener", patchbay.ErrInvalidArgument)
	}
	sub := e.subs.add(channel, l)
	e.log.Debug("subscribed", "engine", e.id, "channel", channel)
	return sub, nil
}

// Unsubscribe removes sub from channel. A nil sub removes every listener of
// the channel. Removing a subscription that is already gone does nothing.
func (e *Engine) Unsubscribe(channel string, sub *Subscription) error {
	if e.destroyed.Load() {
		return patchbay.ErrEngineDestroyed
	}
	if sub != nil && sub.channel != channel {
		return fmt.Errorf("%w: subscription is for channel %q, not %q", patchbay.ErrInvalidArgument, sub.channel, channel)
	}
	if e.subs.remove(channel, sub) {
		e.log.Debug("unsubscribed", "engine", e.id, "channel", channel)
	}
	return nil
}

// Subscriptions returns the channels that have listeners, in no particular
// order.
func (e *Engine) Subscriptions() []string { return e.subs.channels() }

// WriteArray copies length samples of data to the array starting at offset. A
// negative length copies all of data. It returns false if the array does not
// exist or the range does not fit.
func (e *Engine) WriteArray(name string, data []float32, length, offset int) (bool, error) {
	if e.destroyed.Load() {
		return false, patchbay.ErrEngineDestroyed
	}
	return e.arrays.Write(name, data, length, offset), nil
}

// ReadArray copies length samples of the array starting at offset to dest.
func (e *Engine) ReadArray(name string, dest []float32, length, offset int) (bool, error) {
	if e.destroyed.Load() {
		return false, patchbay.ErrEngineDestroyed
	}
	return e.arrays.Read(name, dest, length, offset), nil
}

// ClearArray sets every sample of the array to value.
func (e *Engine) ClearArray(name string, value float32) (bool, error) {
	if e.destroyed.Load() {
		return false, patchbay.ErrEngineDestroyed
	}
	return e.arrays.Clear(name, value), nil
}

// ArraySize returns the size of the array, or 0 if it does not exist.
func (e *Engine) ArraySize(name string) (int, error) {
	if e.destroyed.Load() {
		return 0, patchbay.ErrEngineDestroyed
	}
	return e.arrays.Size(name), nil
}

// Arrays returns the names of the defined arrays.
func (e *Engine) Arrays() ([]string, error) {
	if e.destroyed.Load() {
		return nil, patchbay.ErrEngineDestroyed
	}
	return e.arrays.Names(), nil
}

// LoadArray replaces the contents of the array with the first channel of a
// sound file, resizing the array to fit. It returns false if the array does
// not exist. The file is not resampled.
func (e *Engine) LoadArray(name, path string) (bool, error) {
	return e.LoadArrayChannel(name, path, 0)
}

// LoadArrayChannel is LoadArray reading channel ch of the file, or the average
// of all its channels if ch is MixDown. A channel the file does not have
// leaves the array empty.
func (e *Engine) LoadArrayChannel(name, path string, ch int) (bool, error) {
	if e.destroyed.Load() {
		return false, patchbay.ErrEngineDestroyed
	}
	a, ok := e.arrays.Lookup(name)
	if !ok {
		return false, nil
	}
	s, err := soundfile.Load(path)
	if err != nil {
		return false, err
	}
	if s.SampleRate != e.cfg.SampleRate {
		e.log.Warn("sound file sample rate differs from the engine", "file", path, "fileRate", s.SampleRate, "engineRate", e.cfg.SampleRate)
	}
	data := s.Mono()
	if ch != MixDown {
		data = s.Channel(ch)
	}
	a.Replace(data)
	e.log.Debug("loaded array", "engine", e.id, "array", name, "file", path, "channel", ch, "size", len(data))
	return true, nil
}

// SaveArray writes the array to a mono WAV file at the engine sample rate.
func (e *Engine) SaveArray(name, path string) (bool, error) {
	if e.destroyed.Load() {
		return false, patchbay.ErrEngineDestroyed
	}
	a, ok := e.arrays.Lookup(name)
	if !ok {
		return false, nil
	}
	if err := soundfile.Save(path, a.Snapshot(), 1, e.cfg.SampleRate); err != nil {
		return false, err
	}
	return true, nil
}

// CurrentTime returns the engine time in seconds. It only advances while the
// audio callback runs.
func (e *Engine) CurrentTime() (float64, error) {
	if e.destroyed.Load() {
		return 0, patchbay.ErrEngineDestroyed
	}
	return float64(e.frames.Load()) / float64(e.cfg.SampleRate), nil
}

func (e *Engine) Devices() ([]patchbay.Device, error) {
	if e.destroyed.Load() {
		return nil, patchbay.ErrEngineDestroyed
	}
	return e.backend.Driver().Devices()
}

// DefaultInputDevice returns false if the driver has no input device.
func (e *Engine) DefaultInputDevice() (patchbay.Device, bool, error) {
	if e.destroyed.Load() {
		return patchbay.Device{}, false, patchbay.ErrEngineDestroyed
	}
	d, ok := e.backend.Driver().DefaultInputDevice()
	return d, ok, nil
}

func (e *Engine) DefaultOutputDevice() (patchbay.Device, bool, error) {
	if e.destroyed.Load() {
		return patchbay.Device{}, false, patchbay.ErrEngineDestroyed
	}
	d, ok := e.backend.Driver().DefaultOutputDevice()
	return d, ok, nil
}

func (e *Engine) AddToSearchPath(dir string) error {
	if e.destroyed.Load() {
		return patchbay.ErrEngineDestroyed
	}
	if dir == "" {
		return fmt.Errorf("%w: empty search path", patchbay.ErrInvalidArgument)
	}
	e.loader.AddToSearchPath(dir)
	return nil
}

func (e *Engine) ClearSearchPath() error {
	if e.destroyed.Load() {
		return patchbay.ErrEngineDestroyed
	}
	e.loader.ClearSearchPath()
	return nil
}

// Stats may be called even after Destroy.
func (e *Engine) Stats() Stats {
	st := e.sched.Stats()
	return Stats{
		DroppedIn:      e.in.Dropped(),
		DroppedOut:     e.out.Dropped(),
		DroppedPending: st.DroppedPending,
		Overflows:      st.Overflows,
		Blocks:         st.Blocks,
		Xruns:          e.xruns.Load(),
	}
}
