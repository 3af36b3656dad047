// Copyright 2021 Molecula Corp. All rights reserved.

// Package gcnotify hooks the garbage collector up to the memo.GCNotifier
// interface. It lives in its own package so that importing memo doesn't
// drag in the notifier's finalizer machinery unless it is wanted.
package gcnotify

import (
	"github.com/CAFxX/gcnotifier"
	"github.com/featurebasedb/memo"
)

// Ensure activeGCNotifier implements interface.
var _ memo.GCNotifier = &activeGCNotifier{}

type activeGCNotifier struct {
	gcn *gcnotifier.GCNotifier
}

// NewActiveGCNotifier creates an active GCNotifier.
func NewActiveGCNotifier() *activeGCNotifier {
	return &activeGCNotifier{
		gcn: gcnotifier.New(),
	}
}

// Close implements the GCNotifier interface.
func (n *activeGCNotifier) Close() {
	n.gcn.Close()
}

// AfterGC implements the GCNotifier interface.
func (n *activeGCNotifier) AfterGC() <-chan struct{} {
	return n.gcn.AfterGC()
}
