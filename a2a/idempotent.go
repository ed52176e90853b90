package a2a

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupSize is the number of message ids Idempotent remembers.
const DefaultDedupSize = 4096

// Idempotent wraps h so a message id that was already handled successfully is
// acknowledged again without re-running h. Failed attempts are not recorded,
// so a redelivery after an error runs h again. The memory is a bounded LRU.
func Idempotent(h Handler, size int) Handler {
	if size <= 0 {
		size = DefaultDedupSize
	}
	// lru.New only fails for a non-positive size.
	seen, _ := lru.New[string, struct{}](size)

	var mu sync.Mutex
	inflight := map[string]*sync.Mutex{}

	return func(ctx context.Context, msg Message) error {
		if seen.Contains(msg.MessageID) {
			return nil
		}

		// Serialize concurrent deliveries of the same id.
		mu.Lock()
		lock, ok := inflight[msg.MessageID]
		if !ok {
			lock = &sync.Mutex{}
			inflight[msg.MessageID] = lock
		}
		mu.Unlock()

		lock.Lock()
		defer func() {
			lock.Unlock()
			mu.Lock()
			delete(inflight, msg.MessageID)
			mu.Unlock()
		}()

		if seen.Contains(msg.MessageID) {
			return nil
		}
		if err := h(ctx, msg); err != nil {
			return err
		}
		seen.Add(msg.MessageID, struct{}{})
		return nil
	}
}
