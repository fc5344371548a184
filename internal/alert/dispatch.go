package alert

import (
	"context"
	"sync"
)

// DispatchSummary counts the outcomes of one trigger's notifications.
type DispatchSummary struct {
	Delivered       int `json:"delivered"`
	Offline         int `json:"offline"`
	SecondarySent   int `json:"secondarySent"`
	SecondaryFailed int `json:"secondaryFailed"`
}

// DispatchBatch tracks the notifications started by one trigger. Dispatch
// runs detached from the trigger's context and is never cancelled; Wait
// only bounds how long the caller waits for it.
type DispatchBatch struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	summary DispatchSummary
}

func newBatch() *DispatchBatch {
	return &DispatchBatch{}
}

func (b *DispatchBatch) run(fn func() DispatchSummary) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		s := fn()

		b.mu.Lock()
		b.summary.Delivered += s.Delivered
		b.summary.Offline += s.Offline
		b.summary.SecondarySent += s.SecondarySent
		b.summary.SecondaryFailed += s.SecondaryFailed
		b.mu.Unlock()
	}()
}

// Wait blocks until every dispatch has finished or ctx is done. On ctx
// expiry it returns the outcomes recorded so far with ctx's error.
func (b *DispatchBatch) Wait(ctx context.Context) (DispatchSummary, error) {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return b.snapshot(), nil
	case <-ctx.Done():
		return b.snapshot(), ctx.Err()
	}
}

func (b *DispatchBatch) snapshot() DispatchSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summary
}
