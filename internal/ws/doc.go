// Package ws streams the event bus to WebSocket subscribers.
//
// Each connection gets its own bus subscription; lifecycle events (process
// launches, portal negotiations, terminations) are forwarded as JSON frames
// as they happen. Delivery inherits the bus's best-effort contract: a
// subscriber that cannot keep up misses events instead of stalling
// publishers.
//
// Message Types (Server → Client):
//   - welcome: subscription token on connect
//   - process_launched, process_terminated, portal_opened: bus events
//
// Example Usage:
//
//	handler := ws.NewHandler(bus, metrics, logger, cfg.Events.Buffer)
//	router.GET("/events", handler.HandleConnection)
package ws
