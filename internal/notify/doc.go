// Package notify publishes count, delivery, fault, and state events to an
// MQTT broker for remote displays.
//
// Topics, under <topic>/<node id>/:
// - cages/<index>  retained CountEvent
// - deliveries     Delivery
// - faults         fault kind, run and error text
// - state          retained controller state
//
// Publishing is best effort. Handlers enqueue without blocking and a full
// queue drops the message.
package notify
