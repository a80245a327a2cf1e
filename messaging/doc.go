// Package messaging implements request/reply over AMQP on top of the
// rabbitmq links.
//
// This package includes:
//   - RPCClient: turns a publish plus an asynchronous reply into a blocking
//     call with a timeout, correlating replies by correlation id
//   - Responder: consumes a request queue, runs a handler per request and
//     publishes the correlated reply over the default exchange
//
// Replies go to the broker's direct reply-to pseudo-queue unless a reply
// queue is configured. Payloads are opaque bytes.
//
// Example usage:
//
//	client := messaging.NewRPCClient(params, contracts.ExchangeSpec{Name: "rpc", Kind: contracts.ExchangeDirect}, "echo")
//	defer client.Stop(context.Background())
//
//	reply, err := client.SendRequest(ctx, messaging.Request{Body: []byte("ping")}, 5*time.Second)
//	if errors.Is(err, messaging.ErrRequestTimeout) {
//		// no responder answered in time
//	}
package messaging
