package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	orig2 := searchPathsFunc
	searchPathsFunc = func() []string { return []string{"config.yaml"} }
	defer func() { searchPathsFunc = orig2 }()

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func validYAML(secret string) string {
	return "amqp:\n  endpoint: 127.0.0.1:5672\nweb:\n  mac_secret: " + secret + "\n"
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	secret := base64.StdEncoding.EncodeToString([]byte("s3cr3t"))
	os.WriteFile(path, []byte("amqp:\n  endpoint: 127.0.0.1:5672\n  password: ${FANOUT_TEST_PASSWORD}\nweb:\n  mac_secret: "+secret+"\n"), 0600)
	os.Setenv("FANOUT_TEST_PASSWORD", "hunter2")
	defer os.Unsetenv("FANOUT_TEST_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.AMQP.Password != "hunter2" {
		t.Errorf("password = %q, want %q", cfg.AMQP.Password, "hunter2")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(validYAML(base64.StdEncoding.EncodeToString([]byte("x")))), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("Listen.Port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.AMQP.ExchangeBroadcast != "broadcast" {
		t.Errorf("ExchangeBroadcast = %q, want %q", cfg.AMQP.ExchangeBroadcast, "broadcast")
	}
	if cfg.Web.PingInterval != 30 {
		t.Errorf("PingInterval = %d, want 30", cfg.Web.PingInterval)
	}
	if cfg.Web.ConnShedRate != 10 {
		t.Errorf("ConnShedRate = %d, want 10", cfg.Web.ConnShedRate)
	}
	if cfg.Web.ShedDelaySec != 30 {
		t.Errorf("ShedDelaySec = %d, want 30", cfg.Web.ShedDelaySec)
	}
}

func TestLoad_MissingEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("web:\n  mac_secret: "+base64.StdEncoding.EncodeToString([]byte("x"))+"\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing amqp.endpoint")
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("amqp:\n  endpoint: 127.0.0.1:5672\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing web.mac_secret")
	}
}

func TestLoad_InvalidSecretBase64(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("amqp:\n  endpoint: 127.0.0.1:5672\nweb:\n  mac_secret: \"not-base64!!\"\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid base64 mac_secret")
	}
}

func TestValidate_PortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 99999
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidate_NonPositiveShedRate(t *testing.T) {
	cfg := Default()
	cfg.Web.ConnShedRate = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive conn_shed_rate")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "very-loud"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestMACSecret_Decodes(t *testing.T) {
	w := WebConfig{MACSecretB64: base64.StdEncoding.EncodeToString([]byte("hello"))}
	secret, err := w.MACSecret()
	if err != nil {
		t.Fatalf("MACSecret error: %v", err)
	}
	if string(secret) != "hello" {
		t.Errorf("MACSecret = %q, want %q", secret, "hello")
	}
}
