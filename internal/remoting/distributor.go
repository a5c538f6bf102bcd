package remoting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chirino/meshkeeper-sub000/internal/log"
	"github.com/chirino/meshkeeper-sub000/internal/registry"
)

var ErrAlreadyDistributed = errors.New("remoting: object already distributed")

// errTornDown marks a ref whose teardown won the race against its export.
var errTornDown = errors.New("remoting: ref torn down")

// Ref is the single export and registration record of one object.
type Ref struct {
	obj  Service
	once sync.Once
	stub Stub
	err  error

	mu         sync.Mutex
	path       string
	requested  string
	sequential bool
}

// Stub returns the exported stub.
func (r *Ref) Stub() Stub { return r.stub }

// Path returns the registry path the stub was registered at, or "".
func (r *Ref) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Distributor tracks at most one Ref per exported object and registers
// stubs in the registry.
type Distributor struct {
	exporter Exporter
	store    registry.Store
	caller   *Caller
	logger   *slog.Logger

	mu   sync.Mutex
	refs map[Service]*Ref
}

// NewDistributor composes an exporter, a started registry store and a caller.
func NewDistributor(exporter Exporter, store registry.Store, caller *Caller) *Distributor {
	if caller == nil {
		caller = NewCaller("", nil)
	}
	d := &Distributor{
		exporter: exporter,
		store:    store,
		caller:   caller,
		logger:   log.WithComponent("distributor"),
		refs:     make(map[Service]*Ref),
	}
	if n, ok := store.(registry.SessionNotifier); ok {
		n.OnSessionRenewed(d.reregister)
	}
	return d
}

func (d *Distributor) Caller() *Caller          { return d.caller }
func (d *Distributor) Registry() registry.Store { return d.store }

// Export returns the stub of obj, exporting it on first use. Concurrent
// callers for the same object share one underlying export.
func (d *Distributor) Export(obj Service) (Stub, error) {
	ref, err := d.ref(obj)
	if err != nil {
		return Stub{}, err
	}
	return ref.stub, nil
}

func (d *Distributor) ref(obj Service) (*Ref, error) {
	for {
		ref := d.lookupOrCreate(obj)
		err := d.export(ref)
		if errors.Is(err, errTornDown) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return ref, nil
	}
}

func (d *Distributor) lookupOrCreate(obj Service) *Ref {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref, ok := d.refs[obj]
	if !ok {
		ref = &Ref{obj: obj}
		d.refs[obj] = ref
	}
	return ref
}

// export runs the ref's one export. It returns errTornDown when a teardown
// got there first; the caller then starts over with a fresh ref.
func (d *Distributor) export(ref *Ref) error {
	ref.once.Do(func() {
		ref.stub, ref.err = d.exporter.Export(ref.obj)
	})
	if ref.err == nil {
		return nil
	}
	if errors.Is(ref.err, errTornDown) {
		return errTornDown
	}
	d.mu.Lock()
	if d.refs[ref.obj] == ref {
		delete(d.refs, ref.obj)
	}
	d.mu.Unlock()
	return fmt.Errorf("export: %w", ref.err)
}

// Distribute exports obj if needed and registers its stub at path.
func (d *Distributor) Distribute(ctx context.Context, path string, sequential bool, obj Service) (*Ref, error) {
	ref, err := d.ref(obj)
	if err != nil {
		return nil, err
	}

	ref.mu.Lock()
	defer ref.mu.Unlock()
	if ref.path != "" {
		return nil, fmt.Errorf("%w at %s", ErrAlreadyDistributed, ref.path)
	}
	actual, err := registry.AddObject(ctx, d.store, path, sequential, ref.stub)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", path, err)
	}
	ref.path = actual
	ref.requested = path
	ref.sequential = sequential
	return ref, nil
}

// reregister re-creates the registry entries of every distributed ref that
// a lost registry session took with it.
func (d *Distributor) reregister(ctx context.Context) {
	d.mu.Lock()
	refs := make([]*Ref, 0, len(d.refs))
	for _, ref := range d.refs {
		refs = append(refs, ref)
	}
	d.mu.Unlock()

	for _, ref := range refs {
		if err := d.restore(ctx, ref); err != nil {
			d.logger.Error("re-register failed", "path", ref.Path(), "error", err)
		}
	}
}

func (d *Distributor) restore(ctx context.Context, ref *Ref) error {
	ref.mu.Lock()
	defer ref.mu.Unlock()
	if ref.path == "" {
		return nil
	}
	// Distribute may already have re-created it under the new session.
	data, err := d.store.GetData(ctx, ref.path)
	if err != nil {
		return err
	}
	if data != nil {
		return nil
	}
	actual, err := registry.AddObject(ctx, d.store, ref.requested, ref.sequential, ref.stub)
	if err != nil {
		return fmt.Errorf("register %s: %w", ref.requested, err)
	}
	d.logger.Info("re-registered after session loss", "path", actual, "previous", ref.path)
	ref.path = actual
	return nil
}

// Undistribute removes the registry entry of obj and then its export. It is
// a no-op for objects without a ref. A registry failure does not stop the
// export from being torn down; both failures are reported.
func (d *Distributor) Undistribute(ctx context.Context, obj Service) error {
	d.mu.Lock()
	ref, ok := d.refs[obj]
	if ok {
		delete(d.refs, obj)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return d.teardown(ctx, ref)
}

// Unexport is Undistribute: an export never outlives its registration.
func (d *Distributor) Unexport(ctx context.Context, obj Service) error {
	return d.Undistribute(ctx, obj)
}

func (d *Distributor) teardown(ctx context.Context, ref *Ref) error {
	// Wait out an export still in flight, or claim the once so a racing
	// export starts over.
	ref.once.Do(func() { ref.err = errTornDown })
	if ref.err != nil {
		return nil
	}

	var errs []error
	ref.mu.Lock()
	path := ref.path
	ref.path = ""
	ref.mu.Unlock()
	if path != "" {
		if err := d.store.Remove(ctx, path, false); err != nil && !errors.Is(err, registry.ErrNotConnected) {
			errs = append(errs, fmt.Errorf("unregister %s: %w", path, err))
		}
	}
	if err := d.exporter.Unexport(ref.stub.ID); err != nil {
		errs = append(errs, fmt.Errorf("unexport %s: %w", ref.stub.ID, err))
	}
	return errors.Join(errs...)
}

// Destroy tears down every ref, then the registry store, then the exporter.
func (d *Distributor) Destroy(ctx context.Context) error {
	d.mu.Lock()
	refs := make([]*Ref, 0, len(d.refs))
	for _, ref := range d.refs {
		refs = append(refs, ref)
	}
	d.refs = make(map[Service]*Ref)
	d.mu.Unlock()

	var errs []error
	for _, ref := range refs {
		if err := d.teardown(ctx, ref); err != nil {
			d.logger.Warn("ref teardown failed", "error", err)
			errs = append(errs, err)
		}
	}
	if err := d.store.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy registry: %w", err))
	}
	if err := d.exporter.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close exporter: %w", err))
	}
	return errors.Join(errs...)
}
