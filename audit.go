// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package memo

import (
	"github.com/featurebasedb/memo/testhook"
)

var NewAuditor func() testhook.Auditor = NewNopAuditor

func NewNopAuditor() testhook.Auditor {
	return testhook.NewNopAuditor()
}
