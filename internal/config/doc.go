// Package config provides configuration loading for the license gate.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML configuration file
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern MYTV_<SECTION>_<FIELD>:
//
//	MYTV_LICENSE_URL=https://license.example.com/api/get_config.php
//	MYTV_LICENSE_TIMEOUT=10s
//	MYTV_CLOCK_ENABLED=false
//	MYTV_CRYPTO_CONFIG_KEY=<hex or raw AES key>
//	MYTV_STORE_BACKEND=bolt
//	MYTV_LOGGING_LEVEL=debug
//
// # Configuration File
//
// The file is searched in ./config.yaml, ./configs/config.yaml and
// $XDG_CONFIG_HOME/my-tv/config.yaml unless a path is given explicitly:
//
//	license:
//	  url: https://license.example.com/api/get_config.php
//	  timeout: 10s
//	clock:
//	  connect_timeout: 500ms
//	  read_timeout: 1s
//	store:
//	  backend: file
//	  seal: true
//
// # State Directory
//
// The credential store, the install identifier and the log file live in
// the state directory, $XDG_STATE_HOME/my-tv by default.
package config
