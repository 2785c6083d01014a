// Package cache defines the versioned response store: one named generation per
// deployed cache version, each holding an Identity → Response table. Backends
// (disk, memory, sqlite, redis) share the same contract: Open creates a
// generation on first use, Put replaces an entry atomically from the reader's
// point of view, and Delete drops a whole generation together with every entry
// it holds. Entries never expire on their own; they die with their generation.
// The interception and lifecycle packages depend on this package and never
// touch backend specifics directly.
package cache
