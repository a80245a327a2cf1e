// Package rabbitmq provides the broker-facing core of amqplink.
//
// This package includes:
//   - Link: owns one connection and one channel, drives the
//     open/declare/bind/confirm sequence and reopens after unsolicited closes
//   - DeliveryTracker: per-channel bookkeeping of unconfirmed publishes
//   - Publisher: publishes from any goroutine through a link
//   - Consumer: consumes a queue on a link, with handlers run on the link goroutine
//   - Session: the link's open channel as seen by code running on the link goroutine
//
// Every broker call happens on the link goroutine. Other goroutines hand work
// to it with Link.Do or Link.Submit and wait for the result.
package rabbitmq
