package config

import "time"

// Application constants
const (
	// Application Info
	AppName    = "my-tv"
	AppVersion = "1.2.0"

	// EnvPrefix namespaces every environment variable, e.g. MYTV_LICENSE_URL.
	EnvPrefix = "MYTV"

	// License service
	DefaultLicenseURL     = "http://iptv.dwz12.top/api/get_config.php"
	DefaultLicenseTimeout = 10 * time.Second
	DefaultVerifyPath     = "/api/get_config.php"

	// Remote time source
	DefaultClockURL            = "https://api.m.taobao.com/rest/api3.do?api=mtop.common.getTimestamp"
	DefaultClockConnectTimeout = 500 * time.Millisecond
	DefaultClockReadTimeout    = time.Second
	DefaultTimestampPath       = "/api/timestamp"

	// Development server
	DefaultTrialDays = 3

	// Store backends
	StoreBackendFile   = "file"
	StoreBackendBolt   = "bolt"
	StoreBackendMemory = "memory"

	// Identity sources
	IdentitySourceInstall  = "install"
	IdentitySourceMachine  = "machine"
	IdentitySourceHardware = "hardware"

	// File names inside the state directory
	CredentialFileName = "auth.json"
	CredentialDBName   = "auth.db"
	InstallIDFileName  = "install_id"
	LogFileName        = "app.log"
	ConfigFileName     = "config.yaml"

	// Persisted state namespace, shared by every backend
	CredentialNamespace = "app_config"
	CredentialKey       = "auth_code"
)
