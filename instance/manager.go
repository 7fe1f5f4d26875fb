// Package instance keeps track of the open patches of an engine and of the
// programs the scheduler runs for them.
package instance

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/vsariola/patchbay"
	"github.com/vsariola/patchbay/graph"
	"github.com/vsariola/patchbay/loader"
	"github.com/vsariola/patchbay/vm"
)

type (
	// Patch is the handle of an open patch. The zero Patch is the null
	// instance returned when a patch could not be opened. Closing a patch
	// keeps its provenance but resets DollarZero and Valid.
	Patch struct {
		DollarZero int    `json:"$0" yaml:"dollarZero"`
		Valid      bool   `json:"isValid" yaml:"valid"`
		Filename   string `json:"filename" yaml:"filename"`
		Path       string `json:"path" yaml:"path"`

		program  *vm.Program
		reported bool
	}

	// Manager opens and closes patches. Every change builds a new vm.Set of
	// the open programs and swaps it into the scheduler; the audio thread
	// picks it up at the next block.
	Manager struct {
		mu      sync.Mutex
		loader  *loader.Loader
		env     vm.Env
		sched   *vm.Scheduler
		log     *slog.Logger
		patches []*Patch
		closed  bool
	}
)

// ErrClosed is returned when opening a patch in a manager after CloseAll.
var ErrClosed = errors.New("patch manager is closed")

var lastDollarZero atomic.Int64

// NextDollarZero allocates a new instance number. Numbers start from 1 and are
// unique for the lifetime of the process.
func NextDollarZero() int {
	return int(lastDollarZero.Add(1))
}

// NewManager returns a manager building programs in env (its DollarZero is
// ignored) and running them on sched.
func NewManager(l *loader.Loader, env vm.Env, sched *vm.Scheduler, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{loader: l, env: env, sched: sched, log: log}
}

// Open opens the patch name, looked up in dir and the search path. A missing
// or broken patch is logged and the null instance returned.
func (m *Manager) Open(name, dir string) *Patch {
	dz := NextDollarZero()
	flat, path, err := m.loader.Load(name, dir, m.params(dz))
	if err != nil {
		m.log.Warn("could not open patch", "name", name, "dir", dir, "err", err)
		return &Patch{}
	}
	p, err := m.install(flat, dz, filepath.Base(path), filepath.Dir(path))
	if graph.IsCycle(err) {
		m.log.Warn("could not open patch: signal loop without a feedback~ node", "name", name, "dir", dir, "err", err)
		return &Patch{}
	}
	if err != nil {
		m.log.Warn("could not open patch", "name", name, "dir", dir, "err", err)
		return &Patch{}
	}
	return p
}

// OpenPath is Open with the name and directory given as one path.
func (m *Manager) OpenPath(path string) *Patch {
	return m.Open(filepath.Base(path), filepath.Dir(path))
}

// OpenPatch opens a patch that is already in memory. Abstractions are looked
// up in dir and the search path. Unlike Open, it reports why it failed.
func (m *Manager) OpenPatch(p *patchbay.Patch, name, dir string) (*Patch, error) {
	dz := NextDollarZero()
	flat, err := m.loader.Flatten(p, dir, m.params(dz))
	if err != nil {
		return &Patch{}, err
	}
	return m.install(flat, dz, name, dir)
}

func (m *Manager) params(dz int) loader.Params {
	return loader.Params{
		DollarZero:     dz,
		SampleRate:     m.env.SampleRate,
		BlockSize:      m.env.BlockSize,
		NextDollarZero: NextDollarZero,
	}
}

func (m *Manager) install(flat *patchbay.Patch, dz int, filename, dir string) (*Patch, error) {
	env := m.env
	env.DollarZero = dz
	prog, err := vm.NewProgram(flat, env)
	if err != nil {
		return &Patch{}, err
	}
	p := &Patch{DollarZero: dz, Valid: true, Filename: filename, Path: dir, program: prog}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		prog.Close()
		return &Patch{}, ErrClosed
	}
	m.patches = append(m.patches, p)
	m.swap()
	m.mu.Unlock()
	m.log.Info("opened patch", "filename", filename, "path", dir, "$0", dz, "nodes", prog.Len())
	return p, nil
}

// Close closes p and turns it into a closed handle. Other patches keep
// running undisturbed. Closing nil or an already closed patch is an error.
func (m *Manager) Close(p *Patch) error {
	if p == nil {
		return fmt.Errorf("%w: nil patch", patchbay.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !p.Valid {
		return fmt.Errorf("%w: patch is not open", patchbay.ErrInvalidArgument)
	}
	i := m.index(p)
	if i < 0 {
		return fmt.Errorf("%w: patch $0=%d is not open in this engine", patchbay.ErrInvalidArgument, p.DollarZero)
	}
	m.patches = append(m.patches[:i], m.patches[i+1:]...)
	m.swap()
	m.release(p)
	return nil
}

// CloseAll closes every open patch. Patches opened afterwards fail with
// ErrClosed.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	closed := m.patches
	m.patches = nil
	m.swap()
	for _, p := range closed {
		m.release(p)
	}
}

// release must be called with m.mu held, after the program of p has been
// swapped out.
func (m *Manager) release(p *Patch) {
	p.program.Close()
	m.log.Info("closed patch", "filename", p.Filename, "path", p.Path, "$0", p.DollarZero)
	p.program = nil
	p.Valid = false
	p.DollarZero = 0
}

// Patches returns copies of the handles of the open patches, in the order they
// were opened.
func (m *Manager) Patches() []Patch {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]Patch, len(m.patches))
	for i, p := range m.patches {
		ret[i] = Patch{DollarZero: p.DollarZero, Valid: p.Valid, Filename: p.Filename, Path: p.Path}
	}
	return ret
}

// Lookup returns the open patch with the given instance number.
func (m *Manager) Lookup(dollarZero int) (*Patch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patches {
		if p.DollarZero == dollarZero {
			return p, true
		}
	}
	return nil, false
}

// Crashed returns the open patches whose programs have crashed since the last
// call, together with the reason of each crash.
func (m *Manager) Crashed() ([]*Patch, []error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var patches []*Patch
	var errs []error
	for _, p := range m.patches {
		if p.reported {
			continue
		}
		if crashed, err := p.program.Crashed(); crashed {
			p.reported = true
			patches = append(patches, p)
			errs = append(errs, err)
		}
	}
	return patches, errs
}

func (m *Manager) index(p *Patch) int {
	for i, q := range m.patches {
		if q == p {
			return i
		}
	}
	return -1
}

func (m *Manager) swap() {
	progs := make([]*vm.Program, len(m.patches))
	for i, p := range m.patches {
		progs[i] = p.program
	}
	m.sched.Swap(vm.NewSet(progs...))
}

func (p Patch) String() string {
	if p.Filename == "" {
		return "null patch"
	}
	if !p.Valid {
		return fmt.Sprintf("closed patch %s", filepath.Join(p.Path, p.Filename))
	}
	return fmt.Sprintf("patch %s ($0=%d)", filepath.Join(p.Path, p.Filename), p.DollarZero)
}
