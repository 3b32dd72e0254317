// Package transport delivers job progress events to HTTP clients.
//
// ServeSSE writes each event as a Server-Sent Events `data:` frame and always
// finishes with an `event:close` sentinel. ServeWebSocket sends the same JSON
// documents as text messages followed by a close message and a close frame.
// In both cases a departed client stops delivery and closes the source, which
// cancels the job and waits for its cleanup.
package transport
