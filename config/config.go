// Package config parses PostgreSQL connection strings into a Config,
// including libpq-style environment fallbacks and .pgpass/pg_service.conf/
// TLS-path resolution.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgservicefile"

	"pgcore/version"
)

// ServerCompatibilityMode selects protocol quirks for non-vanilla
// PostgreSQL-compatible backends.
type ServerCompatibilityMode int

const (
	CompatNone ServerCompatibilityMode = iota
	CompatRedshift
)

// SSLMode mirrors transport.SSLMode's three recognized values as a
// distinct string-parsed type; the connector translates it to
// transport.SSLMode.
type SSLMode string

const (
	SSLDisable SSLMode = "disable"
	SSLPrefer  SSLMode = "prefer"
	SSLRequire SSLMode = "require"
)

// Config is the parsed form of a connection string
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	Timeout        time.Duration
	CommandTimeout time.Duration

	SSL     bool
	SSLMode SSLMode

	KrbSrvName         string
	IntegratedSecurity bool
	// ApplicationName defaults to the "applicationname" option, then
	// PGAPPNAME, then this build's version.ClientInfo() identifier.
	ApplicationName     string
	SearchPath          string
	BufferSize          int
	SyncNotification    bool
	Enlist              bool
	ServerCompatibility ServerCompatibilityMode

	SSLCert     string
	SSLKey      string
	SSLRootCert string

	Service string
}

// envDefault reads key from the environment, falling back if unset.
func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ParseConnString parses a libpq-style "key=value key2=value2" or
// "key = 'value with spaces'" connection string. It does not accept the
// postgres:// URL form; callers that need that should convert it first.
func ParseConnString(connString string) (*Config, error) {
	opts, err := tokenize(connString)
	if err != nil {
		return nil, err
	}

	if svc := firstNonEmpty(opts["service"], os.Getenv("PGSERVICE")); svc != "" {
		if err := applyServiceFile(opts, svc); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Host:                firstNonEmpty(opts["host"], envDefault("PGHOST", "localhost")),
		Port:                5432,
		User:                firstNonEmpty(opts["user"], envDefault("PGUSER", currentOSUser())),
		Password:            opts["password"],
		SSLMode:             SSLPrefer,
		BufferSize:          8192,
		ServerCompatibility: CompatNone,
		Service:             opts["service"],
	}

	if p := opts["port"]; p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("config: invalid port %q: %w", p, err)
		}
		cfg.Port = n
	}

	cfg.Database = firstNonEmpty(opts["database"], cfg.User)

	if t := opts["timeout"]; t != "" {
		secs, err := strconv.Atoi(t)
		if err != nil {
			return nil, fmt.Errorf("config: invalid timeout %q: %w", t, err)
		}
		cfg.Timeout = time.Duration(secs) * time.Second
	} else {
		cfg.Timeout = 15 * time.Second
	}

	if t := opts["commandtimeout"]; t != "" {
		secs, err := strconv.Atoi(t)
		if err != nil {
			return nil, fmt.Errorf("config: invalid commandtimeout %q: %w", t, err)
		}
		cfg.CommandTimeout = time.Duration(secs) * time.Second
	}

	if b, err := parseBoolOpt(opts["ssl"]); err == nil {
		cfg.SSL = b
	}
	if m := opts["sslmode"]; m != "" {
		switch strings.ToLower(m) {
		case "disable":
			cfg.SSLMode = SSLDisable
		case "prefer":
			cfg.SSLMode = SSLPrefer
		case "require":
			cfg.SSLMode = SSLRequire
		default:
			return nil, fmt.Errorf("config: unrecognized sslmode %q", m)
		}
	}
	if cfg.SSL && cfg.SSLMode == SSLDisable {
		cfg.SSLMode = SSLRequire
	}

	cfg.KrbSrvName = opts["krbsrvname"]
	if b, err := parseBoolOpt(opts["integratedsecurity"]); err == nil {
		cfg.IntegratedSecurity = b
	}
	cfg.ApplicationName = firstNonEmpty(opts["applicationname"], envDefault("PGAPPNAME", version.ClientInfo()))
	cfg.SearchPath = opts["searchpath"]
	if bs := opts["buffersize"]; bs != "" {
		n, err := strconv.Atoi(bs)
		if err != nil {
			return nil, fmt.Errorf("config: invalid buffersize %q: %w", bs, err)
		}
		cfg.BufferSize = n
	}
	if b, err := parseBoolOpt(opts["syncnotification"]); err == nil {
		cfg.SyncNotification = b
	}
	if b, err := parseBoolOpt(opts["enlist"]); err == nil {
		cfg.Enlist = b
	}
	if m := opts["servercompatibilitymode"]; strings.EqualFold(m, "redshift") {
		cfg.ServerCompatibility = CompatRedshift
	}

	cfg.SSLCert = opts["sslcert"]
	cfg.SSLKey = opts["sslkey"]
	cfg.SSLRootCert = opts["sslrootcert"]

	if cfg.Password == "" {
		if pw := lookupPgpass(cfg); pw != "" {
			cfg.Password = pw
		}
	}

	return cfg, nil
}

// tokenize splits a libpq-style connection string into a key→value map.
// Values may be single-quoted to contain spaces; backslash escapes the
// quote character and backslash itself inside a quoted value.
func tokenize(s string) (map[string]string, error) {
	out := make(map[string]string)
	i := 0
	n := len(s)
	for i < n {
		for i < n && isSpace(s[i]) {
			i++
		}
		if i >= n {
			break
		}
		keyStart := i
		for i < n && s[i] != '=' && !isSpace(s[i]) {
			i++
		}
		key := strings.ToLower(s[keyStart:i])
		for i < n && isSpace(s[i]) {
			i++
		}
		if i >= n || s[i] != '=' {
			return nil, fmt.Errorf("config: expected '=' after key %q", key)
		}
		i++
		for i < n && isSpace(s[i]) {
			i++
		}

		var value strings.Builder
		if i < n && s[i] == '\'' {
			i++
			for i < n && s[i] != '\'' {
				if s[i] == '\\' && i+1 < n {
					i++
				}
				value.WriteByte(s[i])
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("config: unterminated quoted value for key %q", key)
			}
			i++ // closing quote
		} else {
			for i < n && !isSpace(s[i]) {
				value.WriteByte(s[i])
				i++
			}
		}
		out[key] = value.String()
	}
	return out, nil
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

func parseBoolOpt(s string) (bool, error) {
	if s == "" {
		return false, fmt.Errorf("empty")
	}
	return strconv.ParseBool(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func currentOSUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// applyServiceFile seeds opts from pg_service.conf's [service] group,
// without overriding options already present in the connection string.
func applyServiceFile(opts map[string]string, service string) error {
	path := os.Getenv("PGSERVICEFILE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil // no service file resolvable; not fatal
		}
		path = filepath.Join(home, ".pg_service.conf")
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	f, err := pgservicefile.ReadServicefile(path)
	if err != nil {
		return fmt.Errorf("config: read service file %s: %w", path, err)
	}
	svc, err := f.GetService(service)
	if err != nil {
		return fmt.Errorf("config: service %q not found in %s: %w", service, path, err)
	}
	for k, v := range serviceSettingsMap(svc) {
		if _, exists := opts[k]; !exists {
			opts[k] = v
		}
	}
	return nil
}

// serviceSettingsMap copies pgservicefile's Service.Settings map into a
// new map with lowercased keys.
func serviceSettingsMap(svc *pgservicefile.Service) map[string]string {
	out := make(map[string]string, len(svc.Settings))
	for k, v := range svc.Settings {
		out[strings.ToLower(k)] = v
	}
	return out
}

// lookupPgpass resolves a password from ~/.pgpass (or PGPASSFILE) using
// pgpassfile's wildcard matching rules.
func lookupPgpass(cfg *Config) string {
	path := os.Getenv("PGPASSFILE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		path = filepath.Join(home, ".pgpass")
	}
	passfile, err := pgpassfile.ReadPassfile(path)
	if err != nil {
		return ""
	}
	port := strconv.Itoa(cfg.Port)
	return passfile.FindPassword(cfg.Host, port, cfg.Database, cfg.User)
}
