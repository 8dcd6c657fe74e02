// Package license gates application startup behind a device-bound license
// or trial check.
//
// The Controller drives the flow. It reads any previously validated code
// from a CredentialStore, asks its Collaborator for a code or a trial when
// there is none, verifies the code with a Client and reports the result
// through the Collaborator callbacks. On approval the server may attach an
// encrypted configuration payload, which is decrypted best-effort.
//
// Verification outcomes are classified by kind:
//
//	Approved       code accepted, or trial granted
//	Rejected       server refused the code; stored credentials are cleared
//	NetworkError   transport failure; stored credentials are kept
//	ProtocolError  unexpected status or body; stored credentials are kept
//
// At most one verification is in flight per Controller. Callbacks are
// delivered in order on a single goroutine owned by the Controller.
package license
