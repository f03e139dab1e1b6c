// Package cache
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ordered backpressure buffering for destinations that are momentarily
// unwritable. Backlog keeps records in memory up to a ceiling and spills
// the rest, in order, to a temporary DiskStore.
package cache
