// Package deploy wraps an eager module so that calls run through compiled
// graphs held in a cache, falling back to eager execution when compilation
// fails.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/graphboost/graphboost/cache"
	"github.com/graphboost/graphboost/graphkey"
	"github.com/graphboost/graphboost/logutil"
	"github.com/graphboost/graphboost/ml"
	"github.com/graphboost/graphboost/types/errtypes"
)

type State int

const (
	Unbuilt State = iota
	Building
	Ready
	Cleared
)

func (s State) String() string {
	switch s {
	case Unbuilt:
		return "unbuilt"
	case Building:
		return "building"
	case Ready:
		return "ready"
	case Cleared:
		return "cleared"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Module.
type Options struct {
	Identity graphkey.Identity
	Compile  ml.CompileOptions

	// ShapeRelevant names keyword scalars that change the compiled graph,
	// such as height and width.
	ShapeRelevant []string

	// GraphFile, when set, is loaded on the first call if it exists, and
	// otherwise written after the first compilation.
	GraphFile string
}

// Metadata keys written into saved graphs.
const (
	MetaIdentity    = "identity"
	MetaSignature   = "signature"
	MetaFingerprint = "fingerprint"
)

// Module is call compatible with the eager module it wraps.
type Module struct {
	eager    ml.Module
	compiler ml.Compiler
	cache    *cache.Cache

	mu          sync.Mutex
	opts        Options
	state       State
	unit        *cache.Unit
	pendingFile string
}

func New(eager ml.Module, compiler ml.Compiler, c *cache.Cache, opts Options) (*Module, error) {
	switch {
	case eager == nil:
		return nil, errors.New("deploy: nil module")
	case compiler == nil:
		return nil, errors.New("deploy: nil compiler")
	case c == nil:
		return nil, errors.New("deploy: nil cache")
	case !opts.Identity.Valid():
		return nil, fmt.Errorf("deploy: identity %q needs a checkpoint and a role", opts.Identity)
	}

	return &Module{
		eager:       eager,
		compiler:    compiler,
		cache:       c,
		opts:        opts,
		pendingFile: opts.GraphFile,
	}, nil
}

// FromExisting wraps the eager module of m with new options. The unit held
// by m is shared when the new options still run graphs with the same
// identity and fingerprint.
func FromExisting(m *Module, opts Options) (*Module, error) {
	n, err := New(m.eager, m.compiler, m.cache, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.unit; u != nil && opts.Compile.UseGraph && u.Key.Identity == opts.Identity &&
		u.Key.Options == graphkey.Fingerprint(n.compileOptions()) {
		n.unit = u
		n.state = Ready
		n.pendingFile = ""
	}
	return n, nil
}

func (m *Module) Eager() ml.Module            { return m.eager }
func (m *Module) Structure() ml.Structure     { return m.eager.Structure() }
func (m *Module) Device() ml.Device           { return m.eager.Device() }
func (m *Module) Family() ml.Family           { return ml.FamilyOf(m.eager) }
func (m *Module) Identity() graphkey.Identity { return m.options().Identity }

func (m *Module) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Unit returns the most recently used unit, or nil.
func (m *Module) Unit() *cache.Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unit
}

func (m *Module) options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// compileOptions returns the options with the target device set to where
// the eager weights live.
func (m *Module) compileOptions() ml.CompileOptions {
	opts := m.opts.Compile
	opts.Target = m.eager.Device()
	return opts
}

func (m *Module) Forward(args ml.Args) ([]ml.Tensor, error) {
	return m.ForwardContext(context.Background(), args)
}

// ForwardContext runs args through a compiled graph when graphs are enabled
// and the call has a static signature. A compilation failure is logged and
// the call runs eagerly; the next call compiles again.
func (m *Module) ForwardContext(ctx context.Context, args ml.Args) ([]ml.Tensor, error) {
	m.mu.Lock()
	opts := m.opts
	compileOpts := m.compileOptions()
	m.mu.Unlock()

	if !opts.Compile.UseGraph {
		return m.eager.Forward(args)
	}

	key, ok, err := graphkey.Deriver{ShapeRelevant: opts.ShapeRelevant}.Derive(opts.Identity, args, compileOpts)
	if err != nil {
		return nil, err
	}
	if !ok {
		return m.bypass(ctx, args, compileOpts)
	}

	save, err := m.graphFile(compileOpts)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		u, err := m.resolve(ctx, key, args, compileOpts)
		if errors.Is(err, errtypes.ErrCompilationFailed) {
			m.deferSave(save)
			slog.Warn("graph compilation failed, running eager module", "identity", opts.Identity, "error", err)
			return m.eager.Forward(args)
		} else if err != nil {
			m.deferSave(save)
			return nil, err
		}

		if save != "" {
			if err := m.SaveGraph(save); err != nil {
				m.deferSave(save)
				return nil, err
			}
			save = ""
		}

		out, err := u.Graph.Run(args)
		if errors.Is(err, ml.ErrGraphClosed) {
			// released by an eviction between resolve and run
			if attempt == 0 {
				logutil.Trace("graph released before run, resolving again", "key", key)
				continue
			}
			slog.Warn("graph released before run, running eager module", "identity", opts.Identity, "key", key)
			return m.eager.Forward(args)
		}
		return out, err
	}
}

// resolve returns the unit for key, compiling on a miss.
func (m *Module) resolve(ctx context.Context, key graphkey.Key, args ml.Args, opts ml.CompileOptions) (*cache.Unit, error) {
	m.mu.Lock()
	if m.state == Cleared {
		m.state = Unbuilt
	}
	prev := m.state
	if _, ok := m.cache.Lookup(key); !ok {
		m.state = Building
	}
	m.mu.Unlock()

	u, err := m.cache.GetOrCompile(ctx, key, func(ctx context.Context) (ml.Graph, error) {
		return m.compiler.Compile(ctx, m.eager, opts)
	}, args)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if prev == Building {
			prev = Unbuilt
		}
		m.state = prev
		return nil, err
	}
	m.unit = u
	m.state = Ready
	return u, nil
}

// bypass serves a call whose signature cannot be keyed with a graph that is
// built for this call only.
func (m *Module) bypass(ctx context.Context, args ml.Args, opts ml.CompileOptions) ([]ml.Tensor, error) {
	m.cache.NoteBypass()
	slog.Debug("arguments have no static signature, compiling without cache", "identity", m.options().Identity)

	g, err := m.compiler.Compile(ctx, m.eager, opts)
	if err != nil {
		slog.Warn("graph compilation failed, running eager module", "error", err)
		return m.eager.Forward(args)
	}
	defer g.Close()
	return g.Run(args)
}

// graphFile loads the configured graph file on the first call. It returns
// the path to save after compiling when the file does not exist yet.
func (m *Module) graphFile(opts ml.CompileOptions) (string, error) {
	m.mu.Lock()
	path := m.pendingFile
	m.pendingFile = ""
	m.mu.Unlock()
	if path == "" {
		return "", nil
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		slog.Info("graph file not found, saving after compilation", "path", path)
		return path, nil
	} else if err != nil {
		return "", err
	}

	slog.Info("loading graph file", "path", path)
	if err := m.LoadGraph(path, opts.Target, true); err != nil {
		return "", err
	}
	return "", nil
}

// deferSave hands an unsaved graph file path back to the next call, unless
// the path was changed in the meantime.
func (m *Module) deferSave(path string) {
	if path == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingFile == "" && m.opts.GraphFile == path {
		m.pendingFile = path
	}
}

// SetUseGraph toggles compiled execution. Calls with graphs disabled never
// touch the cache.
func (m *Module) SetUseGraph(b bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.Compile.UseGraph = b
}

// SetGraphFile changes the persistence path. A different path releases the
// held unit so the next call reloads or recompiles.
func (m *Module) SetGraphFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if path == m.opts.GraphFile {
		return
	}

	slog.Debug("graph file changed", "identity", m.opts.Identity, "from", m.opts.GraphFile, "to", path)
	m.opts.GraphFile = path
	m.pendingFile = path
	m.clear()
}

// Clear releases the held unit. The next call recompiles.
func (m *Module) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clear()
}

func (m *Module) clear() {
	if m.unit != nil {
		m.cache.Invalidate(m.unit.Key)
		m.unit = nil
	}
	if m.state != Unbuilt {
		m.state = Cleared
	}
}

// SaveGraph writes the held unit to path, replacing any existing file
// atomically.
func (m *Module) SaveGraph(path string) error {
	m.mu.Lock()
	u := m.unit
	m.mu.Unlock()
	if u == nil {
		return fmt.Errorf("save graph: %w", ml.ErrNotBuilt)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".graph-*")
	if err != nil {
		return err
	}

	meta := map[string]string{
		MetaIdentity:    u.Key.Identity.String(),
		MetaSignature:   u.Key.Signature,
		MetaFingerprint: u.Key.Options,
	}
	if err := u.Graph.Save(f, meta); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("save graph: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return err
	}

	if err := os.Chmod(f.Name(), 0o644); err != nil {
		_ = os.Remove(f.Name())
		return err
	}

	if err := os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		return err
	}

	m.cache.SetPath(u.Key, path)
	slog.Info("saved graph", "path", path, "key", u.Key)
	return nil
}

// LoadGraph restores a graph file onto device d. With warmup set the graph
// runs once on zero inputs of its recorded signature before it is used. A
// file built for a different module structure or different compile options
// returns a GraphMismatchError and leaves the module unbuilt. The eager
// module moves to d only once the graph is accepted.
func (m *Module) LoadGraph(path string, d ml.Device, warmup bool) error {
	m.mu.Lock()
	opts := m.opts
	err := m.checkDevice(d)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	mismatch := func(want, got string, err error) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.clear()
		m.state = Unbuilt
		return &errtypes.GraphMismatchError{Path: path, Want: want, Got: got, Err: err}
	}

	g, err := m.compiler.Load(f, m.eager, d)
	if errors.Is(err, ml.ErrGraphMismatch) {
		return mismatch("", "", err)
	} else if err != nil {
		return fmt.Errorf("load graph %q: %w", path, err)
	}

	compileOpts := opts.Compile
	compileOpts.Target = d
	fingerprint := graphkey.Fingerprint(compileOpts)
	meta := g.Meta()
	if got := meta[MetaFingerprint]; got != "" && got != fingerprint {
		g.Close()
		return mismatch(fingerprint, got, errors.New("compile options differ"))
	}

	if warmup {
		zeros := make([]any, 0, len(g.Inputs()))
		for _, spec := range g.Inputs() {
			zeros = append(zeros, ml.Zeros(spec))
		}
		if _, err := g.Run(ml.NewArgs(zeros...)); err != nil {
			g.Close()
			return fmt.Errorf("warmup loaded graph %q: %w", path, err)
		}
	}

	if err := m.eager.To(d); err != nil {
		g.Close()
		return err
	}

	key := graphkey.KeyForSpecs(opts.Identity, g.Inputs(), compileOpts)
	if sig, ok := meta[MetaSignature]; ok {
		key.Signature = sig
	}
	u := m.cache.Put(key, g, path)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.unit = u
	m.state = Ready
	m.pendingFile = ""
	slog.Info("loaded graph", "path", path, "key", key, "device", d)
	return nil
}

// To moves the module. Once a graph has been built the module can only
// move to the device that graph was built for.
func (m *Module) To(d ml.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDevice(d); err != nil {
		return err
	}
	return m.eager.To(d)
}

// checkDevice fails when the held graph, still cached, pins the module to
// a device other than d. m.mu must be held.
func (m *Module) checkDevice(d ml.Device) error {
	if u := m.unit; u != nil {
		if live, ok := m.cache.Lookup(u.Key); ok && live == u && !u.Graph.Device().Equal(d) {
			return &errtypes.DeviceMismatchError{Current: u.Graph.Device().String(), Target: d.String()}
		}
	}
	return nil
}
