// Package mkd is the integration core of a desktop automation toolkit: an
// event bus, a component registry with dependency ordering, a lifecycle
// manager with hooks and bounded recovery, and a Watermill-backed command
// broker, wired together behind a single system controller.
//
// The Controller reads its Config, builds the bus, registry, lifecycle
// manager, and broker, and exposes registration points for components,
// commands, and lifecycle hooks. A minimal setup fills Config, creates a
// Controller, registers a few components, and calls Start; Stop tears
// everything down in reverse dependency order.
//
// # Events
//
// The bus delivers typed events to subscribers with four priorities. The
// critical priority bypasses the bounded queue so failure reports survive
// overload; normal and low priority events are dropped when the queue is
// full. Failing handlers are retried with a per-delivery timeout, and the
// most recent delivery failures are kept for inspection.
//
// # Components
//
// Components are registered as factories with declared dependencies. Cycles
// are rejected at registration time, start order is derived from the
// dependency graph, and singleton, transient, and scoped lifetimes are
// supported.
//
// # Commands
//
// The broker routes commands by exact name over an in-process Watermill
// router with the usual middleware chain: correlation IDs, logging, tracing,
// metrics, retries, poison queue, and panic recovery. Dispatch is
// synchronous and bounded by a timeout.
//
// # Recording
//
// The recording engine consumes a capture source (see the capture packages),
// scores each input through the event processor, and writes finished
// recordings as script files, plain JSON or LZ4-compressed. Sessions and
// users are tracked in SQLite.
package mkd
