package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-cache/types"
)

// inflight is the in-flight request table: at most one outstanding fetch
// per key per miss or refresh episode, with all concurrent callers awaiting
// the same outcome. Slots are released when the fetch settles.
type inflight struct {
	group singleflight.Group
}

// Do runs fetch under the key's slot. The fetch executes on the supplied
// base context (the manager's, not an individual caller's, so one caller
// cancelling does not fail the coalesced waiters) bounded by timeout. The
// deadline is enforced here, not delegated to the fetch: a fetch that
// ignores its context still fails every waiter at the deadline, and the
// slot is forgotten so the next call starts fresh.
func (f *inflight) Do(base context.Context, key string, timeout time.Duration, fetch types.FetchFunc) (interface{}, error) {
	fetchCtx := base
	if timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(base, timeout)
		defer cancel()
	}

	ch := f.group.DoChan(key, func() (interface{}, error) {
		return fetch(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if types.IsError(res.Err, context.DeadlineExceeded) {
				return nil, types.Errorf(types.ErrFetchTimeout, "key fetch exceeded %s", timeout)
			}
			return nil, types.Errorf(types.ErrFetchFailed, "%v", res.Err)
		}
		return res.Val, nil
	case <-fetchCtx.Done():
		f.group.Forget(key)
		if types.IsError(fetchCtx.Err(), context.DeadlineExceeded) {
			return nil, types.Errorf(types.ErrFetchTimeout, "key fetch exceeded %s", timeout)
		}
		return nil, types.Errorf(types.ErrFetchFailed, "%v", fetchCtx.Err())
	}
}

// Forget clears the slot so the next call for the key starts a new episode.
func (f *inflight) Forget(key string) {
	f.group.Forget(key)
}
