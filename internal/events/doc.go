// Package events provides the in-process event bus feeding the live
// observability surfaces.
//
// Subsystems publish lifecycle events (process launched, portal negotiated,
// stream adopted) and consumers such as the WebSocket feed subscribe to
// them. Delivery is best-effort: a slow subscriber drops events rather than
// stalling the publisher, since the bus sits on hot paths.
package events
