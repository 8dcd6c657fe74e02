// Package licenseserver is a development implementation of the license
// verification endpoint and the timestamp source.
//
// It answers POST /api/get_config.php with the same body shapes the
// production service uses, binds each code to the first device that
// presents it, grants per-device trials and encrypts the configured payload
// with the shared config key. GET /api/timestamp answers in the mtop
// getTimestamp shape so the trusted clock can be pointed at it.
//
// State is held in memory and lost on restart.
package licenseserver
