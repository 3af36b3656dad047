// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package memo

import "fmt"

// QueryKey is the argument a query is memoized on. Keys must be
// comparable and are used as map keys by query storage; a query over
// multi-field arguments should use a comparable struct type.
type QueryKey interface{}

// GroupKey addresses a memoized cell within one group: the query name
// plus the query-level key.
type GroupKey struct {
	Query string
	Key   QueryKey
}

// DatabaseKey addresses a memoized cell within a database: the group
// name plus the group-level key. Tagging is injective, so equal
// database keys always refer to the same cell.
type DatabaseKey struct {
	Group string
	Key   GroupKey
}

// Key builds the database key for a query cell.
func Key(group, query string, key QueryKey) DatabaseKey {
	return DatabaseKey{Group: group, Key: GroupKey{Query: query, Key: key}}
}

func (k DatabaseKey) String() string {
	return fmt.Sprintf("%s/%s(%v)", k.Group, k.Key.Query, k.Key.Key)
}
