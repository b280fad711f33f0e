package state

import (
	"errors"
	"sync"
	"time"

	"linkroute/internal/domain"

	"github.com/nats-io/nats.go"
)

const stopWaitTimeout = 2 * time.Second

// RuleSetWatcher applies rule sets written to the KV bucket by other instances.
// Params: KV key watcher and update callback.
// Returns: watcher lifecycle handle.
type RuleSetWatcher struct {
	watcher nats.KeyWatcher
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	failures int
}

func newRuleSetWatcher(kv nats.KeyValue, handler func(domain.AccountRuleSet)) (*RuleSetWatcher, error) {
	if handler == nil {
		return nil, errors.New("rule set watcher: handler is nil")
	}
	watcher, err := kv.WatchAll(nats.UpdatesOnly())
	if err != nil {
		return nil, err
	}
	w := &RuleSetWatcher{watcher: watcher, done: make(chan struct{})}
	go w.run(handler)
	return w, nil
}

func (w *RuleSetWatcher) run(handler func(domain.AccountRuleSet)) {
	defer close(w.done)
	for entry := range w.watcher.Updates() {
		// nil marks the end of initial values.
		if entry == nil || entry.Operation() != nats.KeyValuePut {
			continue
		}
		set, err := domain.DecodeRuleSet(entry.Value())
		if err != nil {
			w.mu.Lock()
			w.failures++
			w.mu.Unlock()
			continue
		}
		handler(set)
	}
}

// DecodeFailures returns count of watched entries that failed to decode.
func (w *RuleSetWatcher) DecodeFailures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}

// Close stops the watch and waits for the update loop to exit.
// Params: none.
// Returns: stop error from the key watcher.
func (w *RuleSetWatcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Stop()
		select {
		case <-w.done:
		case <-time.After(stopWaitTimeout):
		}
	})
	return err
}
