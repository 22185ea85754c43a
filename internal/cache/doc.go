// Package cache implements the named, disk-backed cache storage that the
// install and fetch handlers share. A Storage owns one directory per cache
// name under StoragePath; each cache maps a request identity (method plus
// normalized URL) to a stored response kept as a body file and a JSON
// metadata sidecar. AddAll populates a cache atomically: every request is
// fetched into a staging directory first and the batch only becomes visible
// once all of them succeeded. Match never touches the network.
package cache
