package registry

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// sharedFlight deduplicates concurrent work per key. The winning function
// runs on a context detached from any single caller, so one caller giving up
// does not abort the work for the others; the context is cancelled once the
// last waiter has gone, so fully abandoned work stops instead of running to
// completion in the background.
type sharedFlight struct {
	group singleflight.Group

	mu   sync.Mutex
	refs map[string]*flightRef
}

type flightRef struct {
	ctx    context.Context
	cancel context.CancelFunc
	n      int
}

func newSharedFlight() *sharedFlight {
	return &sharedFlight{refs: make(map[string]*flightRef)}
}

// do runs fn at most once per key across concurrent callers and hands every
// caller the same result. A caller whose context expires stops waiting
// without disturbing the flight unless it was the last one.
func (f *sharedFlight) do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	f.mu.Lock()
	r, ok := f.refs[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		r = &flightRef{ctx: fctx, cancel: cancel}
		f.refs[key] = r
	}
	r.n++
	f.mu.Unlock()
	defer f.leave(key, r)

	ch := f.group.DoChan(key, func() (any, error) {
		return fn(r.ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			f.group.Forget(key)
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *sharedFlight) leave(key string, r *flightRef) {
	f.mu.Lock()
	r.n--
	if r.n == 0 {
		r.cancel()
		if f.refs[key] == r {
			delete(f.refs, key)
		}
	}
	f.mu.Unlock()
}
