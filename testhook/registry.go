// Copyright 2021 Molecula Corp. All rights reserved.
package testhook

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"time"
)

// KV is a grab bag of information provided with a lifecycle event, which
// a registry stashes with its entry for the object.
type KV map[string]interface{}

// RegistryEntry is what a registry knows about a given object: when it
// was created, where, how many opens are outstanding, and any data
// provided with events. Error is filled in by Live when a hook reports
// the entry as a problem.
type RegistryEntry struct {
	Stamp     time.Time
	Stack     string
	OpenCount int
	Data      KV
	Error     error
}

// RegistryHook is a marker for the hook interfaces a registry honors;
// implement the specific interfaces below for the events you care about.
type RegistryHook interface{}

// RegistryHookLive decides whether an object should be reported by
// Live(). A nil error means the object is fine and gets skipped.
type RegistryHookLive interface {
	Live(o interface{}, entry *RegistryEntry) error
}

// RegistryHookPostDestroy runs after an object is destroyed, with any
// error already associated with the destroy.
type RegistryHookPostDestroy interface {
	WasDestroyed(o interface{}, kv KV, entry *RegistryEntry, err error) error
}

// RegistryHooks maps object types to the hook for that type.
type RegistryHooks map[reflect.Type]RegistryHook

// Registry tracks the lifecycle of a family of objects.
type Registry interface {
	// Created records that an object exists.
	Created(o interface{}, kv KV) error
	// Opened records an open; opens are counted, and Live reports
	// objects whose count never returned to zero.
	Opened(o interface{}, kv KV) error
	// Closed records a close.
	Closed(o interface{}, kv KV) error
	// Destroyed forgets an object, firing the post-destroy hook.
	Destroyed(o interface{}, kv KV) error
	// Seen records that an object was touched, without changing its
	// open count.
	Seen(o interface{}, kv KV) error
	// Live reports the objects the registry considers leaked.
	Live() (map[interface{}]*RegistryEntry, error)
}

// Ensure types implement interface.
var _ Registry = (*SimpleRegistry)(nil)
var _ Registry = nopRegistry{}

// SimpleRegistry tracks objects in a map, recording creation stacks.
type SimpleRegistry struct {
	mu      sync.Mutex
	entries map[interface{}]*RegistryEntry
	hook    RegistryHook
}

// NewSimpleRegistry creates a SimpleRegistry with the given hook, which
// may be nil.
func NewSimpleRegistry(hook RegistryHook) *SimpleRegistry {
	return &SimpleRegistry{
		entries: map[interface{}]*RegistryEntry{},
		hook:    hook,
	}
}

// entry finds or creates the entry for o, merging kv into its data.
// Callers must hold r.mu.
func (r *SimpleRegistry) entry(o interface{}, kv KV) *RegistryEntry {
	entry, ok := r.entries[o]
	if !ok {
		entry = &RegistryEntry{
			Stamp: time.Now(),
			Stack: string(debug.Stack()),
			Data:  KV{},
		}
		r.entries[o] = entry
	}
	for k, v := range kv {
		entry.Data[k] = v
	}
	return entry
}

func (r *SimpleRegistry) Created(o interface{}, kv KV) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[o]; ok {
		return fmt.Errorf("object %p created twice", o)
	}
	r.entry(o, kv)
	return nil
}

func (r *SimpleRegistry) Opened(o interface{}, kv KV) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(o, kv).OpenCount++
	return nil
}

func (r *SimpleRegistry) Closed(o interface{}, kv KV) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[o]
	if !ok {
		return fmt.Errorf("object %p closed but never created or opened", o)
	}
	if entry.OpenCount < 1 {
		return fmt.Errorf("object %p closed more often than opened", o)
	}
	entry.OpenCount--
	for k, v := range kv {
		entry.Data[k] = v
	}
	return nil
}

func (r *SimpleRegistry) Destroyed(o interface{}, kv KV) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[o]
	if !ok {
		return fmt.Errorf("object %p destroyed but never created", o)
	}
	var err error
	if hook, ok := r.hook.(RegistryHookPostDestroy); ok {
		err = hook.WasDestroyed(o, kv, entry, err)
	}
	delete(r.entries, o)
	return err
}

func (r *SimpleRegistry) Seen(o interface{}, kv KV) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(o, kv)
	return nil
}

// Live reports the entries the registry considers leaked. With a
// RegistryHookLive, the hook decides, and its error is stashed in the
// reported entry. Without one, any entry with a non-zero open count is
// reported.
func (r *SimpleRegistry) Live() (map[interface{}]*RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := map[interface{}]*RegistryEntry{}
	hook, hooked := r.hook.(RegistryHookLive)
	for o, entry := range r.entries {
		if hooked {
			if err := hook.Live(o, entry); err != nil {
				entry.Error = err
				live[o] = entry
			}
			continue
		}
		if entry.OpenCount != 0 {
			live[o] = entry
		}
	}
	return live, nil
}

type nopRegistry struct{}

// NewNopRegistry creates a registry which ignores everything.
func NewNopRegistry() Registry {
	return nopRegistry{}
}

func (nopRegistry) Created(o interface{}, kv KV) error   { return nil }
func (nopRegistry) Opened(o interface{}, kv KV) error    { return nil }
func (nopRegistry) Closed(o interface{}, kv KV) error    { return nil }
func (nopRegistry) Destroyed(o interface{}, kv KV) error { return nil }
func (nopRegistry) Seen(o interface{}, kv KV) error      { return nil }
func (nopRegistry) Live() (map[interface{}]*RegistryEntry, error) {
	return nil, nil
}
