// Package server hosts the Fiber HTTP service, request middleware chain, and
// scope registry glue that maps the Host header of an incoming request onto a
// configured worker scope. It also owns the shared origin http.Client so the
// install and fetch paths reuse the same connection pool. Keep exports narrow
// and accept explicit dependencies; proxy and routes build on top of it.
package server
