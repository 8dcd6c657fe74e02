// Package shared holds small helpers used by more than one package of the
// license gate. It carries no domain logic.
//
// The testutil subpackage provides log capture and a scriptable stand-in
// for the license server, for use in tests only.
package shared
