// Package intercept decides, for every request the listener receives, whether
// the answer comes from the current cache generation, the network, or the
// stored application shell.
//
// Cross-origin requests go to the network first and fall back to the cache.
// Same-origin requests are served from the cache when possible and refreshed
// in the background (stale-while-revalidate); misses are fetched, stored and
// returned, and failed navigations fall back to the application shell.
package intercept
