package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/trigger"
)

// FakeAdapter is an in-memory trigger adapter that counts calls and can fail per key.
type FakeAdapter struct {
	PlatformName model.Platform
	// Reasons is attached to every schedule result as degraded delivery.
	Reasons []string

	mu        sync.Mutex
	triggers  map[string]trigger.Installed
	schedules int
	cancels   int
	failKeys  map[string]error
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		PlatformName: model.PlatformAndroid,
		triggers:     map[string]trigger.Installed{},
		failKeys:     map[string]error{},
	}
}

func (f *FakeAdapter) Platform() model.Platform { return f.PlatformName }

func (f *FakeAdapter) Schedule(_ context.Context, key string, fireAtMs int64, payload trigger.Payload) (trigger.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules++
	if err := f.failKeys[key]; err != nil {
		return trigger.Result{}, err
	}
	f.triggers[key] = trigger.Installed{Key: key, FireAtMs: fireAtMs, Mechanism: trigger.MechanismExactAlarm, Payload: payload}
	return trigger.Result{
		Key:       key,
		FireAtMs:  fireAtMs,
		Mechanism: trigger.MechanismExactAlarm,
		Degraded:  len(f.Reasons) > 0,
		Reasons:   append([]string(nil), f.Reasons...),
	}, nil
}

func (f *FakeAdapter) Cancel(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	if err := f.failKeys[key]; err != nil {
		return err
	}
	delete(f.triggers, key)
	return nil
}

func (f *FakeAdapter) Installed(context.Context) ([]trigger.Installed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]trigger.Installed, 0, len(f.triggers))
	for _, it := range f.triggers {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Fail makes every call for key return err until Heal.
func (f *FakeAdapter) Fail(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failKeys[key] = err
}

func (f *FakeAdapter) Heal(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failKeys, key)
}

// Plant installs a trigger behind the reconciler's back.
func (f *FakeAdapter) Plant(it trigger.Installed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers[it.Key] = it
}

// Drop removes a trigger as if the OS discarded it.
func (f *FakeAdapter) Drop(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.triggers, key)
}

func (f *FakeAdapter) Trigger(key string) (trigger.Installed, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.triggers[key]
	return it, ok
}

func (f *FakeAdapter) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.triggers))
	for k := range f.triggers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Calls returns schedule and cancel call counts.
func (f *FakeAdapter) Calls() (schedules, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schedules, f.cancels
}

func (f *FakeAdapter) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules = 0
	f.cancels = 0
}
