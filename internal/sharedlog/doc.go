// Package sharedlog implements the disk fallback path: a directory of
// append-only JSON Lines streams (registry, messages, tasks) that every agent
// can read and append to. Appends are serialized with an advisory flock so
// separate processes never interleave lines; readers take no lock and ignore a
// torn final line.
package sharedlog
