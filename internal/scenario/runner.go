package scenario

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"shapeshift/internal/gvar"
	"shapeshift/internal/heap"
	"shapeshift/internal/isolate"
	"shapeshift/internal/ivar"
	"shapeshift/internal/shape"
	"shapeshift/internal/trace"
	"shapeshift/internal/value"
)

// Options configures a Runner.
type Options struct {
	// Jobs bounds how many domains run at once and how many goroutines a
	// compaction uses. Zero means GOMAXPROCS.
	Jobs   int
	Sink   ProgressSink
	Tracer trace.Tracer
}

// StepError reports a failed step.
type StepError struct {
	Domain string
	Step   int // 1-based
	Op     Op
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step %d (%s): %v", e.Domain, e.Step, e.Op, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// DomainResult summarizes one domain.
type DomainResult struct {
	Name        string
	Steps       int
	Done        int
	Elapsed     time.Duration
	CacheHits   uint64
	CacheMisses uint64
	Failure     *StepError
}

// Result summarizes a run.
type Result struct {
	Domains []DomainResult
	Elapsed time.Duration
}

// Failed reports whether any domain stopped on a failing step.
func (r *Result) Failed() bool {
	for _, d := range r.Domains {
		if d.Failure != nil {
			return true
		}
	}
	return false
}

// Runner executes scenarios against one heap. Bindings of every domain are
// registered as heap roots.
type Runner struct {
	heap    *heap.Heap
	rt      *ivar.Runtime
	globals *gvar.Table
	jobs    int
	sink    ProgressSink
	tracer  trace.Tracer

	mu       sync.Mutex
	bindings map[string]map[string]*ivar.Object
}

// NewRunner creates a runner over h.
func NewRunner(h *heap.Heap, opts Options) *Runner {
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	sink := opts.Sink
	if sink == nil {
		sink = nopSink{}
	}
	r := &Runner{
		heap:     h,
		rt:       h.Runtime(),
		globals:  h.Globals(),
		jobs:     jobs,
		sink:     sink,
		tracer:   trace.OrNop(opts.Tracer),
		bindings: make(map[string]map[string]*ivar.Object),
	}
	h.AddRoots(r.roots)
	return r
}

func (r *Runner) roots(push func(value.Addr)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, names := range r.bindings {
		for _, obj := range names {
			push(obj.Addr())
		}
	}
}

// Run executes every domain of f concurrently. A failing step stops its
// domain only; the joined step errors are returned after all domains end.
func (r *Runner) Run(ctx context.Context, f *File) (*Result, error) {
	start := time.Now()
	span := trace.Begin(r.tracer, trace.ScopeRuntime, "scenario", trace.CurrentSpan(ctx))
	defer span.End(f.Name)
	ctx = trace.WithSpan(trace.WithTracer(ctx, r.tracer), span)

	res := &Result{Domains: make([]DomainResult, len(f.Domains))}
	for i, d := range f.Domains {
		res.Domains[i] = DomainResult{Name: d.Name, Steps: len(d.Steps)}
		r.sink.OnEvent(Event{Domain: d.Name, Total: len(d.Steps), Status: StatusQueued})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(r.jobs, len(f.Domains)))
	for i := range f.Domains {
		spec := &f.Domains[i]
		out := &res.Domains[i]
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			r.runDomain(gctx, spec, out)
			return nil
		})
	}
	err := g.Wait()
	res.Elapsed = time.Since(start)

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, d := range res.Domains {
		if d.Failure != nil {
			errs = append(errs, d.Failure)
		}
	}
	return res, errors.Join(errs...)
}

type domainRun struct {
	r      *Runner
	spec   *DomainSpec
	dom    *isolate.Domain
	caches map[int]*ivar.Cache
}

func (r *Runner) runDomain(ctx context.Context, spec *DomainSpec, out *DomainResult) {
	start := time.Now()
	d := isolate.New(spec.Name)
	defer d.Close()
	ctx = isolate.WithDomain(ctx, d)

	span := trace.Begin(r.tracer, trace.ScopeRuntime, "domain", trace.CurrentSpan(ctx))
	span.WithExtra("domain", d.String())
	ctx = trace.WithSpan(ctx, span)

	run := &domainRun{r: r, spec: spec, dom: d, caches: make(map[int]*ivar.Cache)}
	r.mu.Lock()
	r.bindings[spec.Name] = make(map[string]*ivar.Object)
	r.mu.Unlock()

	total := len(spec.Steps)
	r.sink.OnEvent(Event{Domain: spec.Name, Total: total, Status: StatusWorking})
	for i := range spec.Steps {
		if ctx.Err() != nil {
			out.Failure = &StepError{Domain: spec.Name, Step: i + 1, Op: spec.Steps[i].Op, Err: ctx.Err()}
			break
		}
		st := &spec.Steps[i]
		trace.Point(r.tracer, trace.ScopeRuntime, "scenario.step", string(st.Op), "domain", spec.Name, "step", strconv.Itoa(i+1))
		if err := run.step(ctx, i, st); err != nil {
			out.Failure = &StepError{Domain: spec.Name, Step: i + 1, Op: st.Op, Err: err}
			break
		}
		out.Done = i + 1
		r.sink.OnEvent(Event{Domain: spec.Name, Step: i + 1, Total: total, Op: st.Op, Status: StatusWorking})
	}
	for _, c := range run.caches {
		cs := c.Stats()
		out.CacheHits += cs.Hits
		out.CacheMisses += cs.Misses
	}
	out.Elapsed = time.Since(start)

	if out.Failure != nil {
		span.End("error")
		r.sink.OnEvent(Event{Domain: spec.Name, Step: out.Done, Total: total, Status: StatusError, Err: out.Failure, Elapsed: out.Elapsed})
		return
	}
	span.End("")
	r.sink.OnEvent(Event{Domain: spec.Name, Step: total, Total: total, Status: StatusDone, Elapsed: out.Elapsed})
}

// step executes one step and checks its expected error.
func (dr *domainRun) step(ctx context.Context, idx int, st *Step) (err error) {
	if st.Op.collector() {
		err = dr.collect(ctx, st)
	} else {
		err = dr.r.heap.Mutate(func() (err error) {
			defer heap.Recover(&err)
			return dr.mutate(ctx, idx, st)
		})
	}
	want := strings.TrimSpace(st.Error)
	switch {
	case want == "" && err != nil:
		return err
	case want == "":
		return nil
	case err == nil:
		return fmt.Errorf("expected %q error, step succeeded", want)
	case errorKind(err) != want:
		return fmt.Errorf("expected %q error, got %w", want, err)
	default:
		return nil
	}
}

func (dr *domainRun) collect(ctx context.Context, st *Step) (err error) {
	defer heap.Recover(&err)
	h := dr.r.heap
	switch st.Op {
	case OpMove:
		obj, err := dr.object(st.Obj)
		if err != nil {
			return err
		}
		_, err = h.Move(ctx, obj.Addr())
		return err
	case OpCompact:
		_, err := h.Compact(ctx, dr.r.jobs)
		return err
	case OpCollect:
		cs, err := h.Collect(ctx, nil)
		if err != nil {
			return err
		}
		trace.Point(dr.r.tracer, trace.ScopeCollector, "scenario.collect", "",
			"marked", strconv.Itoa(cs.Marked), "freed", strconv.Itoa(cs.Freed))
		return nil
	}
	return fmt.Errorf("op %s is not a collector op", st.Op)
}

func (dr *domainRun) mutate(ctx context.Context, idx int, st *Step) error {
	rt := dr.r.rt
	key := shape.Key(st.Key)
	switch st.Op {
	case OpNew:
		obj, err := dr.r.heap.Alloc(st.Layout)
		if err != nil {
			return err
		}
		dr.bind(st.Obj, obj)
		return nil
	case OpDrop:
		if _, err := dr.object(st.Obj); err != nil {
			return err
		}
		dr.bind(st.Obj, nil)
		return nil
	case OpSet:
		obj, err := dr.object(st.Obj)
		if err != nil {
			return err
		}
		v, err := dr.value(st.Value)
		if err != nil {
			return err
		}
		return rt.SetCached(obj, key, v, dr.cache(idx))
	case OpGet:
		obj, err := dr.object(st.Obj)
		if err != nil {
			return err
		}
		return dr.expect(st, rt.GetCached(obj, key, dr.cache(idx)))
	case OpDelete:
		obj, err := dr.object(st.Obj)
		if err != nil {
			return err
		}
		old, err := rt.Delete(obj, key)
		if err != nil {
			return err
		}
		return dr.expect(st, old)
	case OpFreeze:
		obj, err := dr.object(st.Obj)
		if err != nil {
			return err
		}
		rt.Freeze(obj)
		return nil
	case OpCopy:
		dst, err := dr.object(st.Obj)
		if err != nil {
			return err
		}
		src, err := dr.object(st.Src)
		if err != nil {
			return err
		}
		return rt.Copy(dst, src)
	case OpKeys:
		obj, err := dr.object(st.Obj)
		if err != nil {
			return err
		}
		keys := rt.Keys(obj)
		got := make([]string, len(keys))
		for i, k := range keys {
			got[i] = string(k)
		}
		if st.Expect != "" && strings.Join(got, ",") != st.Expect {
			return fmt.Errorf("keys = %s, want %s", strings.Join(got, ","), st.Expect)
		}
		return nil
	case OpGSet:
		v, err := dr.value(st.Value)
		if err != nil {
			return err
		}
		return dr.r.globals.Set(ctx, st.Name, v)
	case OpGGet:
		v, err := dr.r.globals.Get(ctx, st.Name)
		if err != nil {
			return err
		}
		return dr.expect(st, v)
	case OpGLocal:
		dropped, err := dr.r.globals.MarkIsolationLocal(ctx, st.Name)
		if err != nil {
			return err
		}
		return dr.expect(st, dropped)
	case OpGReadOnly:
		v, err := dr.value(st.Value)
		if err != nil {
			return err
		}
		dr.r.globals.DefineReadOnly(ctx, st.Name, func(context.Context, string) value.Value { return v })
		return nil
	}
	return fmt.Errorf("op %s is not a mutator op", st.Op)
}

func (dr *domainRun) expect(st *Step, got value.Value) error {
	if st.Expect == "" {
		return nil
	}
	want, err := dr.value(st.Expect)
	if err != nil {
		return err
	}
	if !got.Equal(want) {
		return fmt.Errorf("got %s, want %s", got, want)
	}
	return nil
}

func (dr *domainRun) cache(idx int) *ivar.Cache {
	c, ok := dr.caches[idx]
	if !ok {
		c = &ivar.Cache{}
		dr.caches[idx] = c
	}
	return c
}

func (dr *domainRun) bind(name string, obj *ivar.Object) {
	dr.r.mu.Lock()
	defer dr.r.mu.Unlock()
	if obj == nil {
		delete(dr.r.bindings[dr.spec.Name], name)
		return
	}
	dr.r.bindings[dr.spec.Name][name] = obj
}

func (dr *domainRun) object(name string) (*ivar.Object, error) {
	dr.r.mu.Lock()
	obj, ok := dr.r.bindings[dr.spec.Name][name]
	dr.r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no object named %q in domain %s", name, dr.spec.Name)
	}
	return obj, nil
}

func (dr *domainRun) value(lit string) (value.Value, error) {
	return ParseValue(lit, func(name string) (value.Addr, error) {
		obj, err := dr.object(name)
		if err != nil {
			return value.NoAddr, err
		}
		return obj.Addr(), nil
	})
}

// Bound returns the object names bound in a domain, sorted.
func (r *Runner) Bound(domain string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.bindings[domain]))
	for name := range r.bindings[domain] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Object returns the object bound to name in a domain.
func (r *Runner) Object(domain, name string) (*ivar.Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.bindings[domain][name]
	return obj, ok
}

// errorKind names the contract violation behind err, or returns its text.
func errorKind(err error) string {
	var ie *ivar.Error
	if errors.As(err, &ie) {
		return ie.Kind.String()
	}
	var ge *gvar.Error
	if errors.As(err, &ge) {
		return ge.Kind.String()
	}
	var he *heap.Error
	if errors.As(err, &he) {
		return he.Code.String()
	}
	return err.Error()
}
