// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-goroutine readiness reactor behind
// api.Reactor, with two interchangeable strategies: epoll(7), which scales
// with the number of ready descriptors, and select(2), which scans a bitmask
// and is limited to descriptors below FD_SETSIZE.
package reactor
