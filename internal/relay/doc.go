// Package relay implements the real-time core of the messaging service.
//
// The implementation is organized into specialized files for the hub, room
// routing, presence, client pumps, and per-connection event dispatch to
// keep the codebase maintainable and testable as the project grows.
package relay
