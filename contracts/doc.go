// Package contracts provides the value types shared by every amqplink component.
//
// This package defines the immutable descriptors an embedding application supplies:
//   - ConnectionParams: Broker endpoint and credentials
//   - ExchangeSpec: The exchange a client publishes to or binds against
//   - QueueSpec: The queue a client consumes from, with its binding key
//   - RPCResponse: The decision a request handler returns to the responder
//
// Payloads are opaque byte slices throughout; no serialization format is imposed.
package contracts
