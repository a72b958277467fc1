package alarmsfake

import (
	"sync"
	"time"

	"github.com/adwatch/adwatchd/alarms"
)

var _ alarms.Service = (*FakeAlarms)(nil)

// Armed captures one Create call.
type Armed struct {
	Name        string
	FirstFireAt time.Time
	Period      time.Duration
}

// FakeAlarms records alarm operations and lets tests fire alarms by hand.
type FakeAlarms struct {
	mu      sync.Mutex
	armed   map[string]Armed
	handler alarms.Handler

	Creates []Armed
	Clears  []string
	// Ops interleaves create/clear calls in order, "create:name" or
	// "clear:name", so tests can assert clear-before-create.
	Ops []string
}

func NewFakeAlarms() *FakeAlarms {
	return &FakeAlarms{armed: make(map[string]Armed)}
}

func (f *FakeAlarms) SetHandler(handler alarms.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *FakeAlarms) Create(name string, firstFireAt time.Time, period time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := Armed{Name: name, FirstFireAt: firstFireAt, Period: period}
	f.armed[name] = entry
	f.Creates = append(f.Creates, entry)
	f.Ops = append(f.Ops, "create:"+name)
}

func (f *FakeAlarms) Clear(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Clears = append(f.Clears, name)
	f.Ops = append(f.Ops, "clear:"+name)
	_, ok := f.armed[name]
	delete(f.armed, name)
	return ok
}

// ArmedAlarm returns the current arming of name, if any.
func (f *FakeAlarms) ArmedAlarm(name string) (Armed, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.armed[name]
	return entry, ok
}

// Fire invokes the registered handler as if name fired.
func (f *FakeAlarms) Fire(name string) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		handler(name)
	}
}
