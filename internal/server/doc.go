// Package server hosts the Fiber HTTP service and the request middleware chain
// that turns every incoming request into an intercepted fetch. Requests whose
// Host matches the configured app domain (or the origin host) are rewritten to
// the origin; any other Host is treated as a cross-origin target and forwarded
// as-is. Paths under /-/ are left to the diagnostics routes registered by the
// routes package. Keep exports narrow and accept explicit dependencies so the
// runtime can be swapped for a fake in tests.
package server
