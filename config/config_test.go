package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenizeSimpleKeyValues(t *testing.T) {
	opts, err := tokenize("host=db1 port=5433 user=alice")
	require.NoError(t, err)
	require.Equal(t, "db1", opts["host"])
	require.Equal(t, "5433", opts["port"])
	require.Equal(t, "alice", opts["user"])
}

func TestTokenizeQuotedValueWithSpaces(t *testing.T) {
	opts, err := tokenize(`host=db1 password='hello world'`)
	require.NoError(t, err)
	require.Equal(t, "hello world", opts["password"])
}

func TestTokenizeQuotedValueWithEscapes(t *testing.T) {
	opts, err := tokenize(`password='it\'s a \\secret'`)
	require.NoError(t, err)
	require.Equal(t, `it's a \secret`, opts["password"])
}

func TestTokenizeUnterminatedQuoteErrors(t *testing.T) {
	_, err := tokenize(`password='unterminated`)
	require.Error(t, err)
}

func TestTokenizeMissingEqualsErrors(t *testing.T) {
	_, err := tokenize(`host`)
	require.Error(t, err)
}

func TestTokenizeKeysAreLowercased(t *testing.T) {
	opts, err := tokenize("HOST=db1 User=bob")
	require.NoError(t, err)
	require.Equal(t, "db1", opts["host"])
	require.Equal(t, "bob", opts["user"])
}

func TestParseConnStringDefaults(t *testing.T) {
	t.Setenv("PGHOST", "")
	t.Setenv("PGUSER", "")
	t.Setenv("PGSERVICE", "")
	cfg, err := ParseConnString("")
	require.NoError(t, err)
	require.Equal(t, "localhost", cfg.Host)
	require.Equal(t, 5432, cfg.Port)
	require.Equal(t, SSLPrefer, cfg.SSLMode)
	require.Equal(t, 8192, cfg.BufferSize)
	require.Equal(t, cfg.User, cfg.Database)
}

func TestParseConnStringEnvFallback(t *testing.T) {
	t.Setenv("PGHOST", "envhost")
	t.Setenv("PGUSER", "envuser")
	t.Setenv("PGSERVICE", "")
	cfg, err := ParseConnString("")
	require.NoError(t, err)
	require.Equal(t, "envhost", cfg.Host)
	require.Equal(t, "envuser", cfg.User)
}

func TestParseConnStringExplicitOverridesEnv(t *testing.T) {
	t.Setenv("PGHOST", "envhost")
	cfg, err := ParseConnString("host=explicit")
	require.NoError(t, err)
	require.Equal(t, "explicit", cfg.Host)
}

func TestParseConnStringInvalidPort(t *testing.T) {
	_, err := ParseConnString("port=notanumber")
	require.Error(t, err)
}

func TestParseConnStringSSLModeUnrecognized(t *testing.T) {
	_, err := ParseConnString("sslmode=bogus")
	require.Error(t, err)
}

func TestParseConnStringSSLTrueForcesRequireOverDisable(t *testing.T) {
	cfg, err := ParseConnString("ssl=true sslmode=disable")
	require.NoError(t, err)
	require.Equal(t, SSLRequire, cfg.SSLMode)
}

func TestParseConnStringTimeoutDefaultsTo15Seconds(t *testing.T) {
	cfg, err := ParseConnString("")
	require.NoError(t, err)
	require.Equal(t, 15e9, float64(cfg.Timeout))
}

func TestParseConnStringCustomTimeout(t *testing.T) {
	cfg, err := ParseConnString("timeout=30")
	require.NoError(t, err)
	require.Equal(t, 30e9, float64(cfg.Timeout))
}

func TestParseConnStringServerCompatibilityRedshift(t *testing.T) {
	cfg, err := ParseConnString("servercompatibilitymode=Redshift")
	require.NoError(t, err)
	require.Equal(t, CompatRedshift, cfg.ServerCompatibility)
}

func TestParseConnStringBooleanOptions(t *testing.T) {
	cfg, err := ParseConnString("integratedsecurity=true syncnotification=true enlist=true")
	require.NoError(t, err)
	require.True(t, cfg.IntegratedSecurity)
	require.True(t, cfg.SyncNotification)
	require.True(t, cfg.Enlist)
}

func TestApplyServiceFileFillsUnsetOptionsOnly(t *testing.T) {
	dir := t.TempDir()
	svcPath := filepath.Join(dir, "pg_service.conf")
	err := os.WriteFile(svcPath, []byte("[myservice]\nhost=svchost\nport=6000\n"), 0o600)
	require.NoError(t, err)
	t.Setenv("PGSERVICEFILE", svcPath)

	opts := map[string]string{"host": "explicit"}
	err = applyServiceFile(opts, "myservice")
	require.NoError(t, err)
	require.Equal(t, "explicit", opts["host"])
	require.Equal(t, "6000", opts["port"])
}

func TestApplyServiceFileUnknownServiceErrors(t *testing.T) {
	dir := t.TempDir()
	svcPath := filepath.Join(dir, "pg_service.conf")
	err := os.WriteFile(svcPath, []byte("[myservice]\nhost=svchost\n"), 0o600)
	require.NoError(t, err)
	t.Setenv("PGSERVICEFILE", svcPath)

	opts := map[string]string{}
	err = applyServiceFile(opts, "nosuchservice")
	require.Error(t, err)
}

func TestApplyServiceFileMissingFileIsNotFatal(t *testing.T) {
	t.Setenv("PGSERVICEFILE", filepath.Join(t.TempDir(), "does-not-exist.conf"))
	opts := map[string]string{}
	err := applyServiceFile(opts, "anything")
	require.NoError(t, err)
}

func TestParseConnStringWithServiceFile(t *testing.T) {
	dir := t.TempDir()
	svcPath := filepath.Join(dir, "pg_service.conf")
	err := os.WriteFile(svcPath, []byte("[analytics]\nhost=svchost\nport=6001\nuser=svcuser\n"), 0o600)
	require.NoError(t, err)
	t.Setenv("PGSERVICEFILE", svcPath)

	cfg, err := ParseConnString("service=analytics")
	require.NoError(t, err)
	require.Equal(t, "svchost", cfg.Host)
	require.Equal(t, 6001, cfg.Port)
	require.Equal(t, "svcuser", cfg.User)
}

func TestLookupPgpassFindsMatchingEntry(t *testing.T) {
	dir := t.TempDir()
	passPath := filepath.Join(dir, ".pgpass")
	err := os.WriteFile(passPath, []byte("dbhost:5432:mydb:alice:secretpw\n"), 0o600)
	require.NoError(t, err)
	t.Setenv("PGPASSFILE", passPath)

	cfg := &Config{Host: "dbhost", Port: 5432, Database: "mydb", User: "alice"}
	pw := lookupPgpass(cfg)
	require.Equal(t, "secretpw", pw)
}

func TestLookupPgpassNoMatchReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	passPath := filepath.Join(dir, ".pgpass")
	err := os.WriteFile(passPath, []byte("otherhost:5432:mydb:alice:secretpw\n"), 0o600)
	require.NoError(t, err)
	t.Setenv("PGPASSFILE", passPath)

	cfg := &Config{Host: "dbhost", Port: 5432, Database: "mydb", User: "alice"}
	pw := lookupPgpass(cfg)
	require.Equal(t, "", pw)
}

func TestParseConnStringPasswordFromPgpassWhenUnset(t *testing.T) {
	dir := t.TempDir()
	passPath := filepath.Join(dir, ".pgpass")
	err := os.WriteFile(passPath, []byte("pgpasshost:5432:*:bob:frompgpass\n"), 0o600)
	require.NoError(t, err)
	t.Setenv("PGPASSFILE", passPath)

	cfg, err := ParseConnString("host=pgpasshost user=bob")
	require.NoError(t, err)
	require.Equal(t, "frompgpass", cfg.Password)
}

func TestParseConnStringExplicitPasswordSkipsPgpass(t *testing.T) {
	dir := t.TempDir()
	passPath := filepath.Join(dir, ".pgpass")
	err := os.WriteFile(passPath, []byte("pgpasshost:5432:*:bob:frompgpass\n"), 0o600)
	require.NoError(t, err)
	t.Setenv("PGPASSFILE", passPath)

	cfg, err := ParseConnString("host=pgpasshost user=bob password=explicit")
	require.NoError(t, err)
	require.Equal(t, "explicit", cfg.Password)
}
