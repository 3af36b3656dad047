// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package memo implements an in-process incremental computation
// database. A database is assembled from independently authored query
// groups; each group declares named queries, which are either inputs
// (set explicitly) or derived (computed from other queries). Results
// are memoized together with the dependencies observed while
// computing them, and a revision counter -- bumped only by input sets
// -- lets the database answer "did this change since I last looked?"
// lazily, re-verifying recorded dependencies in order and recomputing
// only what an input change actually invalidates.
//
// Fetching is safe for concurrent use: the database takes a read lock
// for the duration of a fetch, a write lock for a set, coalesces
// identical concurrent recomputations, and reports dependency cycles
// as errors carrying the full cycle path.
package memo

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// System errors.
var (
	ErrGroupRequired = errors.New("group required")
	ErrGroupExists   = errors.New("group already exists")
	ErrGroupNotFound = errors.New("group not found")
	ErrGroupBound    = errors.New("group already registered with a database")

	ErrQueryRequired = errors.New("query required")
	ErrQueryExists   = errors.New("query already exists")
	ErrQueryNotFound = errors.New("query not found")
	ErrQueryBound    = errors.New("query already declared in a group")
	ErrQueryUnbound  = errors.New("query not registered with a database")
	ErrQueryNotInput = errors.New("query is not an input")

	ErrName = errors.New("invalid group or query name, must match [a-z0-9_-]")

	// ErrSetDuringQuery is returned when an input set is attempted from
	// inside a query computation, which would deadlock against the
	// computation's own read lock.
	ErrSetDuringQuery = errors.New("input set during query computation")
)

// nameRegexp validates group and query names.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,64}$`)

// ValidateName restricts group and query names.
func ValidateName(name string) error {
	validName := nameRegexp.Match([]byte(name))
	if validName == false {
		return ErrName
	}
	return nil
}

// UnsetInputError is returned by a fetch reaching an input which was
// never set and declares no default.
type UnsetInputError struct {
	Key DatabaseKey
}

func (e UnsetInputError) Error() string {
	return fmt.Sprintf("input %s was never set and has no default", e.Key)
}

// CycleError is returned when a computation fetches a query that is
// already being computed on the same computation chain. Path holds the
// keys from the first occurrence of the repeated query down to the
// fetch that closed the cycle, so Path[0] == Path[len(Path)-1].
type CycleError struct {
	Path []DatabaseKey
}

func (e CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, key := range e.Path {
		parts[i] = key.String()
	}
	return "dependency cycle: " + strings.Join(parts, " -> ")
}
