// Package files provides crash-safe helpers for the small state files the
// license gate keeps on disk.
package files
