// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package memo_test

import (
	"fmt"
	"os"
	"reflect"

	"github.com/featurebasedb/memo"
	"github.com/featurebasedb/memo/testhook"
)

// AuditLeaksOn is a global switch to turn on resource
// leak checking at the end of a test run.
var AuditLeaksOn = true

// for tests, we use a single shared auditor used by all of the databases.
var globalTestAuditor = testhook.NewVerifyCloseAuditor(testHooks)

// These audit hooks are desireable during testing, but not in
// production.
type auditorDBHooks struct{}

// static type checking
var _ testhook.RegistryHookLive = &auditorDBHooks{}

var testHooks = map[reflect.Type]testhook.RegistryHook{
	reflect.TypeOf((*memo.DB)(nil)): &auditorDBHooks{},
}

func init() {
	if !AuditLeaksOn {
		return
	}
	testhook.RegisterPreTestHook(func() error {
		memo.NewAuditor = NewTestAuditor
		return nil
	})
	testhook.RegisterPostTestHook(func() error {
		err, errs := globalTestAuditor.FinalCheck()
		if err != nil {
			for i, e := range errs {
				fmt.Fprintf(os.Stderr, "[%d]: %v\n", i, e)
			}
		}
		return err
	})
}

func NewTestAuditor() testhook.Auditor {
	return globalTestAuditor
}

func (*auditorDBHooks) Live(o interface{}, entry *testhook.RegistryEntry) error {
	if entry != nil && entry.OpenCount != 0 {
		return fmt.Errorf("database %s still open", o.(*memo.DB).ID())
	}
	return nil
}
