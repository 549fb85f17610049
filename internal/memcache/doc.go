// Package memcache provides the in-process tier: a generic, size-weighted
// LRU and the helper that derives its byte budget from the process memory
// limit.
package memcache
