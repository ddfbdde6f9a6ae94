package config

import (
	"os"
	"testing"

	"github.com/aquamarinepk/epcp/log"
)

func testLogger() log.Logger {
	return log.NewNoopLogger()
}

func TestNewDefaults(t *testing.T) {
	cfg, err := New(testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
	if len(cfg.Endpoints) != 0 {
		t.Errorf("expected no endpoints, got %d", len(cfg.Endpoints))
	}
}

func TestNewFromYAML(t *testing.T) {
	raw := []byte(`
log:
  level: debug
endpoints:
  - uri: http://localhost:5561
    iss: realm
    key: secret
    require_subscribers: true
  - zmq_uri: tcp://localhost:5563
  - nats_url: nats://localhost:4222
`)

	cfg, err := New(testLogger(), WithRawYAML(raw))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
	if len(cfg.Endpoints) != 3 {
		t.Fatalf("expected 3 endpoints, got %d", len(cfg.Endpoints))
	}

	first := cfg.Endpoints[0]
	if first.URI != "http://localhost:5561" || first.ISS != "realm" || first.Key != "secret" {
		t.Errorf("unexpected first endpoint: %+v", first)
	}
	if !first.RequireSubscribers {
		t.Error("expected require_subscribers to be set")
	}
	if cfg.Endpoints[1].ZmqURI != "tcp://localhost:5563" {
		t.Errorf("unexpected second endpoint: %+v", cfg.Endpoints[1])
	}
	if cfg.Endpoints[2].NATSURL != "nats://localhost:4222" {
		t.Errorf("unexpected third endpoint: %+v", cfg.Endpoints[2])
	}
}

func TestNewEnvOverride(t *testing.T) {
	os.Setenv("EPCP_LOG_LEVEL", "error")
	defer os.Unsetenv("EPCP_LOG_LEVEL")

	cfg, err := New(testLogger(), WithPrefix("EPCP_"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if cfg.Log.Level != "error" {
		t.Errorf("log level = %q, want error from env", cfg.Log.Level)
	}
}

func TestNewEnvExpansion(t *testing.T) {
	os.Setenv("EPCP_TEST_KEY", "expanded-secret")
	defer os.Unsetenv("EPCP_TEST_KEY")

	raw := []byte(`
endpoints:
  - uri: http://localhost:5561
    iss: realm
    key: ${EPCP_TEST_KEY}
`)

	cfg, err := New(testLogger(), WithRawYAML(raw), WithEnvExpansion())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if cfg.Endpoints[0].Key != "expanded-secret" {
		t.Errorf("key = %q, want expanded value", cfg.Endpoints[0].Key)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "bad log level",
			raw: `
log:
  level: verbose
`,
		},
		{
			name: "iss without key",
			raw: `
endpoints:
  - uri: http://localhost:5561
    iss: realm
`,
		},
		{
			name: "entry with no transport",
			raw: `
endpoints:
  - require_subscribers: true
`,
		},
		{
			name: "bad http uri scheme",
			raw: `
endpoints:
  - uri: tcp://localhost:5561
`,
		},
		{
			name: "bad zmq uri scheme",
			raw: `
endpoints:
  - zmq_push_uri: http://localhost:5560
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(testLogger(), WithRawYAML([]byte(tt.raw))); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
