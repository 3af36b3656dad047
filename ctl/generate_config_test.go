// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestGenerateConfigCommand_Run(t *testing.T) {
	buf := &bytes.Buffer{}
	cm := NewGenerateConfigCommand(bytes.NewReader(nil), buf, buf)
	if err := cm.Run(context.Background()); err != nil {
		t.Fatalf("Config Run doesn't work: %s", err)
	}
	out := buf.String()
	for _, want := range []string{
		"cache-size",
		"[maintenance]",
		"[metric]",
		`service = "none"`,
		`interval = "1m0s"`,
		"127.0.0.1:8125",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("Unexpected config, missing %q: %s", want, out)
		}
	}
}
