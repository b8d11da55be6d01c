// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the glue between configuration and the cache controller: the shared
// upstream client, the origin fetcher every network request goes through, and
// the Registration that installs, activates and swaps controller versions.
// Diagnostics live under /-/ and are registered by the routes subpackage.
package server
