// Package session manages the lifecycle of a single Bluetooth Low Energy (BLE)
// GATT connection.
//
// A Manager owns one peripheral at a time and provides:
//   - Connection lifecycle (connect, service discovery, disconnect, link loss)
//   - A strict FIFO command queue with at most one GATT operation in flight
//   - Fan-out of state changes, notifications and command completions to subscribers
//
// All state mutation happens on one owner goroutine. Transport callbacks and
// application requests are posted to its mailbox and processed in order.
package session
