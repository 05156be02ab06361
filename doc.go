// Package herald implements the transactional outbox pattern for
// application-raised events, giving at-least-once delivery to an external
// message transport without requiring the transport to take part in the
// database transaction.
//
// An event published inside a database transaction is recorded in an outbox
// table as part of that same transaction and buffered in memory. When the
// transaction commits, the buffered events are handed to the delivery queue
// in publish order; when it rolls back, the buffer is discarded and the
// rolled-back insert leaves nothing behind. A background poller periodically
// claims unconfirmed rows whose last update is older than the staleness
// window and resubmits them, so an event whose delivery confirmation never
// arrived is retried until the transport acknowledges it.
//
// The main components are:
//
//   - Registry: immutable name to event type mapping, built once at startup.
//   - Service: the publish entry point. Inside a transaction it persists the
//     event and defers queue handoff to commit time; outside a transaction it
//     enqueues directly, best effort.
//   - SQLStore: the durable event log, with one Dialect strategy per engine
//     supplying the claim, confirm and schema SQL.
//   - Queue: the bounded in-process handoff between producers and the single
//     transport consumer.
//   - Poller: the scheduled claim-and-resubmit loop.
//   - AckHandler: records transport delivery confirmations.
//   - ConsumerWrapper: normalizes consumer-side failures for the transport's
//     own retry machinery.
//
// Broker bindings live in the kafka and rabbit subpackages, and a document
// store backed implementation of the same Store contract lives in the mongo
// subpackage. Consumers must deduplicate by EventContent idempotent ID, since
// the same event may be delivered more than once.
package herald
