// Package device holds the domain types shared by every vitalsync component:
// connection statuses, device records, vital-sign readings and the error
// taxonomy used across the command/event boundary.
//
// Ownership rules:
//   - ConnectionStatus is written only by the connection state machine
//   - Device records are written only by the registry
//   - Reading values are immutable once created
//   - QueuedReading.Uploaded flips false to true exactly once, by the sync engine
package device
