// Package api implements the local HTTP API and WebSocket server that the
// desktop front end uses to talk to the core.
//
// This package provides:
//   - REST endpoints for printer status, job submission and removal
//   - The close-check endpoint the front end calls before quitting
//   - A WebSocket hub broadcasting printer status and transfer events
//   - Middleware stack (request ID, logging, recovery, CORS, body limits)
//
// # Architecture
//
//	front end ── HTTP ──► api.Server ──► comms.Manager ──► printers
//	front end ◄── WS ──── api.Hub ◄──── bridge ◄──── printer events
//
// # Graceful Degradation
//
// The journal is optional. Without it the transfer history endpoints
// answer 503 and everything else keeps working.
package api
