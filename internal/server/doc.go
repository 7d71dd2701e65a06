// Package server implements the HTTP surface of the messaging service.
//
// The implementation is organized into specialized files for configuration,
// origin control, routing, and HTTP handlers to keep the codebase
// maintainable and testable as the project grows.
package server
