// Copyright 2020 Pilosa Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memo

const (
	MetricFetchHit          = "fetch_hit_total"
	MetricVerify            = "verify_total"
	MetricRecompute         = "recompute_total"
	MetricRecomputeDuration = "recompute_duration_seconds"
	MetricComputeError      = "compute_error_total"
	MetricCoalescedFetch    = "coalesced_fetch_total"
	MetricCycle             = "cycle_total"
	MetricSet               = "set_total"
	MetricInstallDefault    = "install_default_total"
	MetricEvict             = "evict_total"
	MetricSweep             = "sweep_total"
	MetricEntries           = "entries"
	MetricRevision          = "revision"
	MetricGarbageCollection = "garbage_collection_total"
	MetricGoroutines        = "goroutines"
	MetricHeapAlloc         = "heap_alloc"
	MetricHeapInuse         = "heap_inuse"
)
