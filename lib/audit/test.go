package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// SetNowFuncForTest allows tests to override the time function
// It returns a function to restore the original behavior
// This should only be used in tests
func SetNowFuncForTest(f func() time.Time) func() {
	original := nowFunc
	nowFunc = f
	return func() {
		nowFunc = original
	}
}

var _ Sink = &RecordingSink{}

// RecordingSink keeps recorded events in memory, for use in tests.
type RecordingSink struct {
	mux    sync.Mutex
	events []Event
}

func (r *RecordingSink) Record(_ context.Context, event Event) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the events recorded so far.
func (r *RecordingSink) Events() []Event {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]Event(nil), r.events...)
}

// WaitForEventForTest waits until an event of the given type was recorded, since Emit delivers asynchronously.
func (r *RecordingSink) WaitForEventForTest(t *testing.T, eventType EventType) Event {
	t.Helper()
	var result Event
	require.Eventually(t, func() bool {
		for _, event := range r.Events() {
			if event.Type == eventType {
				result = event
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "expected audit event %s", eventType)
	return result
}
