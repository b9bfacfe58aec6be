// Package config supplies the collector's named options. Values come
// from an optional config file, the environment (prefix TKM_), and
// built-in defaults, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Option keys. Key lookup is case-insensitive.
const (
	KeyDatabaseType      = "DatabaseType"
	KeyRuntimeDirectory  = "RuntimeDirectory"
	KeyDBFilePath        = "DBFilePath"
	KeyDBName            = "DBName"
	KeyDBUserName        = "DBUserName"
	KeyDBUserPassword    = "DBUserPassword"
	KeyDBServerAddress   = "DBServerAddress"
	KeyDBServerPort      = "DBServerPort"
	KeyControlSocket     = "ControlSocket"
	KeySessionHashPolicy = "SessionHashPolicy"
	KeyAutoReconnect     = "AutoReconnect"
	KeyDiscoveryEnabled  = "DiscoveryEnabled"
	KeyDeviceSeedFile    = "DeviceSeedFile"
	KeyLogLevel          = "LogLevel"
)

// Database backends accepted by KeyDatabaseType.
const (
	DatabaseSQLite3    = "sqlite3"
	DatabasePostgreSQL = "postgresql"
)

// Session-hash collision policies accepted by KeySessionHashPolicy.
const (
	SessionPolicyReplace = "replace"
	SessionPolicyReject  = "reject"
)

// Options provides named string values to the rest of the collector.
type Options struct {
	v *viper.Viper
}

// New returns options holding only the built-in defaults and any
// TKM_-prefixed environment values.
func New() *Options {
	v := viper.New()

	v.SetDefault(KeyDatabaseType, DatabaseSQLite3)
	v.SetDefault(KeyRuntimeDirectory, "/run/taskmonitor")
	v.SetDefault(KeyDBFilePath, "/var/lib/taskmonitor/taskmonitor.db")
	v.SetDefault(KeyDBName, "taskmonitor")
	v.SetDefault(KeyDBUserName, "taskmonitor")
	v.SetDefault(KeyDBUserPassword, "")
	v.SetDefault(KeyDBServerAddress, "127.0.0.1")
	v.SetDefault(KeyDBServerPort, 5432)
	v.SetDefault(KeyControlSocket, "tkm-collector.sock")
	v.SetDefault(KeySessionHashPolicy, SessionPolicyReplace)
	v.SetDefault(KeyAutoReconnect, false)
	v.SetDefault(KeyDiscoveryEnabled, false)
	v.SetDefault(KeyDeviceSeedFile, "")
	v.SetDefault(KeyLogLevel, "info")

	v.SetEnvPrefix("TKM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Options{v: v}
}

// Load builds options from the config file at path. An empty path yields
// defaults and environment values only.
func Load(path string) (*Options, error) {
	o := New()
	if path == "" {
		return o, nil
	}

	o.v.SetConfigFile(path)
	if err := o.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return o, nil
}

// Set overrides a single option. Used by tests and command-line flags.
func (o *Options) Set(key string, value any) {
	o.v.Set(key, value)
}

// GetString returns the raw string value for key.
func (o *Options) GetString(key string) string {
	return o.v.GetString(key)
}

func (o *Options) DatabaseType() string {
	return strings.ToLower(o.v.GetString(KeyDatabaseType))
}

func (o *Options) RuntimeDirectory() string {
	return o.v.GetString(KeyRuntimeDirectory)
}

func (o *Options) DBFilePath() string {
	return o.v.GetString(KeyDBFilePath)
}

func (o *Options) DBName() string {
	return o.v.GetString(KeyDBName)
}

func (o *Options) DBUserName() string {
	return o.v.GetString(KeyDBUserName)
}

func (o *Options) DBUserPassword() string {
	return o.v.GetString(KeyDBUserPassword)
}

func (o *Options) DBServerAddress() string {
	return o.v.GetString(KeyDBServerAddress)
}

func (o *Options) DBServerPort() uint16 {
	return uint16(o.v.GetUint32(KeyDBServerPort))
}

func (o *Options) ControlSocket() string {
	return o.v.GetString(KeyControlSocket)
}

// ControlSocketPath joins the runtime directory with the control socket
// name.
func (o *Options) ControlSocketPath() string {
	return filepath.Join(o.RuntimeDirectory(), o.ControlSocket())
}

func (o *Options) SessionHashPolicy() string {
	return strings.ToLower(o.v.GetString(KeySessionHashPolicy))
}

func (o *Options) AutoReconnect() bool {
	return o.v.GetBool(KeyAutoReconnect)
}

func (o *Options) DiscoveryEnabled() bool {
	return o.v.GetBool(KeyDiscoveryEnabled)
}

func (o *Options) DeviceSeedFile() string {
	return o.v.GetString(KeyDeviceSeedFile)
}

func (o *Options) LogLevel() string {
	return o.v.GetString(KeyLogLevel)
}

// Validate checks option values that have a closed domain.
func (o *Options) Validate() error {
	switch o.DatabaseType() {
	case DatabaseSQLite3, DatabasePostgreSQL:
	default:
		return fmt.Errorf("invalid %s: %q (want %s or %s)",
			KeyDatabaseType, o.DatabaseType(), DatabaseSQLite3, DatabasePostgreSQL)
	}

	switch o.SessionHashPolicy() {
	case SessionPolicyReplace, SessionPolicyReject:
	default:
		return fmt.Errorf("invalid %s: %q (want %s or %s)",
			KeySessionHashPolicy, o.SessionHashPolicy(), SessionPolicyReplace, SessionPolicyReject)
	}

	if o.RuntimeDirectory() == "" {
		return fmt.Errorf("%s must not be empty", KeyRuntimeDirectory)
	}
	if o.ControlSocket() == "" {
		return fmt.Errorf("%s must not be empty", KeyControlSocket)
	}
	if o.DatabaseType() == DatabaseSQLite3 && o.DBFilePath() == "" {
		return fmt.Errorf("%s must not be empty for %s", KeyDBFilePath, DatabaseSQLite3)
	}
	if o.DatabaseType() == DatabasePostgreSQL && o.DBServerPort() == 0 {
		return fmt.Errorf("%s must not be zero for %s", KeyDBServerPort, DatabasePostgreSQL)
	}
	return nil
}

// EnsureRuntimeDirectory creates the runtime directory when missing. The
// directory must exist or be creatable for startup to proceed.
func (o *Options) EnsureRuntimeDirectory() error {
	dir := o.RuntimeDirectory()
	if dir == "" {
		return fmt.Errorf("%s must not be empty", KeyRuntimeDirectory)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("runtime directory %s: %w", dir, err)
	}
	return nil
}
