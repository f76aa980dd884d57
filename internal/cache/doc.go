// Package cache implements named, versioned buckets that map a request key
// (method + URL) to a stored response (status, headers, body). A Storage owns
// every bucket under one root and exposes the open/list/delete primitives the
// lifecycle agent needs; a Bucket exposes match/put and an all-or-nothing bulk
// put used when pre-caching the app shell.
//
// Two backends exist: the filesystem layout
//
//	<StoragePath>/<bucket>/<xxhash(key)>.meta   # JSON status/headers/key
//	<StoragePath>/<bucket>/<xxhash(key)>.body   # raw body
//
// written through temp file + rename, and a single SQLite database at
// <StoragePath>/shellcache.db.
package cache
