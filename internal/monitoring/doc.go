// Package monitoring provides Prometheus metrics for the IPC core.
//
// Metrics implements the observer interfaces the hot-path packages expose
// (stream.Observer, portal.Observer) so the transport and call layers stay
// free of prometheus imports. The HTTP middleware records request metrics
// for the introspection server, and a JSON snapshot backs the /stats
// endpoint for consumers that do not scrape.
package monitoring
