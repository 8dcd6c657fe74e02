// Package app wires the license gate together.
//
// # Initialization Flow
//
//	1. Load configuration from defaults, YAML and MYTV_* variables
//	2. Initialize logging and OpenTelemetry
//	3. Sample the trusted clock and resolve the device ID concurrently
//	4. Open the credential store and build the license client
//	5. Hand out controllers bound to a UI collaborator
//
// Close releases the store, flushes telemetry and closes the log file.
package app
