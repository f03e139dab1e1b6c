// Package api
// Author: momentics <momentics@gmail.com>
//
// Contracts shared by every layer of fasttun: the reactor and its handler
// roles, the timer scheduler, graceful shutdown and the transport error
// taxonomy. The package has no dependencies on the implementations.
package api
