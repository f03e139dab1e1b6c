// Package control
// Author: momentics <momentics@gmail.com>
//
// Run-time control surface of the tunnel: configuration loading and
// validation, Prometheus metrics, and debug probes.
//
// The package imports no other internal package, so every layer can
// report into it.
package control
