// Package agent implements the cache lifecycle agent: versioned workers that
// pre-cache an app shell on install, serve GET traffic network-first with a
// cache fallback, and delete stale buckets on activate.
//
// A Runtime plays the role of the hosting environment. It registers worker
// versions, drives each one through
//
//	registering → installing → waiting → activating → active → superseded
//
// and routes fetch events to the version currently in control. Every worker
// owns an explicit dispatch table keyed by EventKind; the default handlers can
// be replaced per worker through Options.Configure.
package agent
