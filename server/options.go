// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithSpoolDir places upstream overflow files in dir instead of the
// system temp directory.
func WithSpoolDir(dir string) ServerOption {
	return func(s *Server) {
		s.spoolDir = dir
	}
}

// WithUpstream overrides the upstream address taken from the config.
func WithUpstream(addr string) ServerOption {
	return func(s *Server) {
		s.upstream = addr
	}
}
