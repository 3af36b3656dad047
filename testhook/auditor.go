// Copyright 2021 Molecula Corp. All rights reserved.
package testhook

import (
	"fmt"
	"reflect"
	"sync"
)

// Auditor hands out lifecycle registries, one per concrete type, and
// folds their findings into a final report. Test builds install one
// that verifies open/close pairing; everything else gets the no-op.
type Auditor interface {
	// Registry yields the registry tracking objects of o's dynamic
	// type, creating it on first use. Calls with the same type always
	// return the same registry.
	Registry(o interface{}) (Registry, error)

	// FinalCheck reports anything that is only a problem once all
	// activity should be over, such as objects opened but never
	// closed. It returns a summary error plus the individual findings.
	FinalCheck() (error, []error)
}

// report routes one lifecycle event to the registry for o's type.
func report(a Auditor, o interface{}, kv KV, event func(Registry, interface{}, KV) error) error {
	r, err := a.Registry(o)
	if err != nil {
		return err
	}
	return event(r, o, kv)
}

// Created notes with a that o now exists.
func Created(a Auditor, o interface{}, kv KV) error {
	return report(a, o, kv, Registry.Created)
}

// Opened notes with a that o was opened and should eventually be closed.
func Opened(a Auditor, o interface{}, kv KV) error {
	return report(a, o, kv, Registry.Opened)
}

// Closed notes with a that o was closed.
func Closed(a Auditor, o interface{}, kv KV) error {
	return report(a, o, kv, Registry.Closed)
}

// NopAuditor ignores everything and never finds a problem.
type NopAuditor struct{}

func NewNopAuditor() *NopAuditor {
	return &NopAuditor{}
}

func (*NopAuditor) Registry(interface{}) (Registry, error) {
	return NewNopRegistry(), nil
}

func (*NopAuditor) FinalCheck() (error, []error) {
	return nil, nil
}

// VerifyCloseAuditor tracks object lifecycles per type so FinalCheck
// can complain about anything still live.
type VerifyCloseAuditor struct {
	mu         sync.Mutex
	registries map[reflect.Type]Registry
	hooks      RegistryHooks
}

func NewVerifyCloseAuditor(hooks RegistryHooks) *VerifyCloseAuditor {
	return &VerifyCloseAuditor{
		registries: make(map[reflect.Type]Registry),
		hooks:      hooks,
	}
}

func (v *VerifyCloseAuditor) Registry(o interface{}) (Registry, error) {
	t := reflect.TypeOf(o)
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.registries[t]
	if !ok {
		r = NewSimpleRegistry(v.hooks[t])
		v.registries[t] = r
	}
	return r, nil
}

// FinalCheck asks every registry for its live objects. When a live
// entry carries a hook error, that message leads the finding so
// callers can match on it.
func (v *VerifyCloseAuditor) FinalCheck() (error, []error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var errs []error
	for t, r := range v.registries {
		live, err := r.Live()
		if err != nil {
			errs = append(errs, fmt.Errorf("listing live %s objects: %v", t, err))
			continue
		}
		for o, entry := range live {
			if entry.Error != nil {
				errs = append(errs, fmt.Errorf("%v (created %v)\n%s", entry.Error, entry.Stamp, entry.Stack))
			} else {
				errs = append(errs, fmt.Errorf("%s %p never closed (created %v)\n%s", t, o, entry.Stamp, entry.Stack))
			}
		}
	}
	if len(errs) == 0 {
		return nil, nil
	}
	return fmt.Errorf("%d objects outlived their audit", len(errs)), errs
}
