// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives shared by the isolate daemon: a single-producer,
// single-consumer ring buffer backing the daemon's lifecycle-event log, a
// fixed-size worker pool for off-loading isolate dispatch work, a
// min-heap timer scheduler driving the daemon's periodic metrics sampling,
// and OS-thread affinity helpers.
package concurrency
