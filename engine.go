package hookstack

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/pboyd/hookstack/access"
	"github.com/pboyd/hookstack/config"
	"github.com/pboyd/hookstack/detour"
	"github.com/pboyd/hookstack/dmd"
	"github.com/pboyd/hookstack/il"
	"github.com/pboyd/hookstack/internal/logging"
	"github.com/pboyd/hookstack/meta"
	"github.com/pboyd/hookstack/resolve"
	"github.com/pboyd/hookstack/rt"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	cfg      *config.Config
	log      *slog.Logger
	tee      []slog.Handler
	ctx      *rt.Context
	cache    resolve.Cache
	provider rt.Provider
}

// WithConfig sets the configuration. The default is config.Default().
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger, overriding the logging section of the
// configuration.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithLogHandler sends the engine's logs to h as well as to the logger. It
// can be given more than once.
func WithLogHandler(h slog.Handler) Option {
	return func(o *options) { o.tee = append(o.tee, h) }
}

// WithContext makes the engine work on an existing runtime context. Engines
// on the same context share its endpoints.
func WithContext(ctx *rt.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// WithCache sets the resolver's symbol cache.
func WithCache(c resolve.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithProvider sets the function that supplies assemblies the context
// doesn't have loaded. It's ignored with WithContext.
func WithProvider(p rt.Provider) Option {
	return func(o *options) { o.provider = p }
}

// Engine hands out the endpoints of the methods in a runtime context.
// There's at most one live Endpoint per method, shared by every Engine on
// the same context.
type Engine struct {
	ctx      *rt.Context
	resolver *resolve.Resolver
	access   il.Manipulator
	log      *slog.Logger
	reg      *registry

	closed bool // guarded by reg.mu
}

// registry holds the live endpoints of one context.
type registry struct {
	mu        sync.Mutex
	endpoints map[MethodIdentity]*Endpoint
}

type registryKey struct{}

func registryOf(ctx *rt.Context) *registry {
	return ctx.Shared(registryKey{}, func() any {
		return &registry{endpoints: map[MethodIdentity]*Endpoint{}}
	}).(*registry)
}

// New creates an engine. Method bodies in its context are compiled through
// the resolver, and the access marker assembly is loaded.
//
// The executable arena behind every detour is shared by the process. The
// configured arena size only applies if no engine or detour has allocated
// from it yet. Log patch sites with detour.SetLogger.
func New(opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg == nil {
		o.cfg = config.Default()
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.log == nil {
		o.log = logging.FromConfig(os.Stderr, o.cfg.Logging)
	}
	o.log = logging.Tee(o.log, o.tee...)

	if !detour.Configure(o.cfg.Detour.ArenaSize) && o.cfg.Detour.ArenaSize != detour.DefaultArenaSize {
		o.log.Warn("executable arena already allocated, ignoring its configured size", "arena_size", o.cfg.Detour.ArenaSize)
	}

	ctx := o.ctx
	if ctx == nil {
		ctxOpts := []rt.Option{rt.WithLogger(o.log)}
		if o.provider != nil {
			ctxOpts = append(ctxOpts, rt.WithProvider(o.provider))
		}
		ctx = rt.NewContext(ctxOpts...)
	}

	resolverOpts := []resolve.Option{
		resolve.WithLogger(o.log),
		resolve.WithConfig(o.cfg.Resolver),
	}
	if o.cache != nil {
		resolverOpts = append(resolverOpts, resolve.WithCache(o.cache))
	}
	r := resolve.New(ctx, resolverOpts...)
	ctx.SetCompiler(dmd.Compiler{Resolver: r})

	if ctx.Assembly(access.MarkerAssembly) == nil {
		if _, err := ctx.Load(access.Markers()); err != nil && !errors.Is(err, rt.ErrDuplicateAssembly) {
			return nil, fmt.Errorf("loading access markers: %w", err)
		}
	}

	e := &Engine{
		ctx:      ctx,
		resolver: r,
		access:   access.New(r, access.WithConfig(o.cfg.Access), access.WithLogger(o.log)).Manipulator(),
		log:      logging.Component(o.log, "engine"),
		reg:      registryOf(ctx),
	}
	return e, nil
}

func (e *Engine) Context() *rt.Context { return e.ctx }

func (e *Engine) Resolver() *resolve.Resolver { return e.resolver }

// AccessPass returns the access-rewrite pass as a manipulator for Modify.
// Every call returns the same func, so it can be passed to Unmodify.
func (e *Engine) AccessPass() il.Manipulator {
	return e.access
}

// Load loads an assembly into the engine's context.
func (e *Engine) Load(def *meta.AssemblyDefinition) (*rt.Assembly, error) {
	return e.ctx.Load(def)
}

// Endpoint returns the live endpoint of m, creating it on first use. An
// endpoint created by another Engine on the same context is returned as is.
func (e *Engine) Endpoint(m *rt.Method) (*Endpoint, error) {
	id := IdentityOf(m)

	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()

	if e.closed {
		return nil, newError(CodeDisposed, "endpoint", m.FullName(), ErrDisposed)
	}
	if ep, ok := e.reg.endpoints[id]; ok {
		return ep, nil
	}

	ep, err := newEndpoint(e, m, id)
	if err != nil {
		return nil, wrap("endpoint", m.FullName(), err)
	}
	e.reg.endpoints[id] = ep
	e.log.Debug("created endpoint", "method", m.FullName(), "id", ep.ID())
	return ep, nil
}

// Lookup returns the live endpoint for id, if there is one.
func (e *Engine) Lookup(id MethodIdentity) (*Endpoint, bool) {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()
	ep, ok := e.reg.endpoints[id]
	return ep, ok
}

// Stage starts a set of changes to m without touching its endpoint. The
// endpoint is only created when the changes are committed.
func (e *Engine) Stage(m *rt.Method) *Pending {
	return newPending(e, m, nil)
}

// Close disposes the endpoints the engine created, along with any hooks
// other engines on the context attached to them. Their methods go back to
// their original behavior.
func (e *Engine) Close() error {
	e.reg.mu.Lock()
	e.closed = true
	var eps []*Endpoint
	for _, ep := range e.reg.endpoints {
		if ep.engine == e {
			eps = append(eps, ep)
		}
	}
	e.reg.mu.Unlock()

	var errs []error
	for _, ep := range eps {
		if err := ep.Dispose(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) forget(ep *Endpoint) {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()
	if e.reg.endpoints[ep.identity] == ep {
		delete(e.reg.endpoints, ep.identity)
	}
}
