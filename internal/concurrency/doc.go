// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single-threaded scheduling for the tunnel runtime: a timer heap and the
// event loop that interleaves reactor waits, KCP updates and timers on one
// goroutine. Nothing in this package takes a lock.
package concurrency
