package main

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/gyotov/themify-scheduler/internal/config"
)

// captureLogOutput calls logConfigWarnings with the given config and returns
// the captured log output as a string.
func captureLogOutput(cfg config.Config) string {
	var buf bytes.Buffer
	original := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(original)

	logConfigWarnings(cfg)
	return buf.String()
}

func safeConfig() config.Config {
	return config.Config{
		CadenceMode:             "timer",
		LeaderElectionEnabled:   true,
		MetricsEnabled:          true,
		MaxAttempts:             5,
		CircuitBreakerThreshold: 5,
	}
}

func TestLogConfigWarnings_SafeConfigIsSilent(t *testing.T) {
	output := captureLogOutput(safeConfig())

	if strings.Contains(output, "WARNING") {
		t.Error("did not expect any warnings, got:", output)
	}
	if strings.Contains(output, "INFO") {
		t.Error("did not expect any INFO messages, got:", output)
	}
}

func TestLogConfigWarnings_NoLeaderElection(t *testing.T) {
	cfg := safeConfig()
	cfg.LeaderElectionEnabled = false
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "WARNING [P0]: LEADER_ELECTION_ENABLED=false") {
		t.Error("expected P0 leader election warning, got:", output)
	}
}

func TestLogConfigWarnings_NoLeaderElectionHTTPMode(t *testing.T) {
	// In http mode the external cron is the single trigger, so running
	// without leader election is not a double-publish risk.
	cfg := safeConfig()
	cfg.LeaderElectionEnabled = false
	cfg.CadenceMode = "http"
	output := captureLogOutput(cfg)

	if strings.Contains(output, "LEADER_ELECTION_ENABLED=false") {
		t.Error("did not expect leader election warning in http mode, got:", output)
	}
	if !strings.Contains(output, "INFO: CADENCE_MODE=http") {
		t.Error("expected http mode INFO, got:", output)
	}
}

func TestLogConfigWarnings_UnboundedRetries(t *testing.T) {
	cfg := safeConfig()
	cfg.MaxAttempts = 0
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "INFO: MAX_ATTEMPTS=0") {
		t.Error("expected unbounded retries INFO, got:", output)
	}
}

func TestLogConfigWarnings_MetricsDisabled(t *testing.T) {
	cfg := safeConfig()
	cfg.MetricsEnabled = false
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "WARNING [P1]: METRICS_ENABLED=false") {
		t.Error("expected metrics P1 warning, got:", output)
	}
}

func TestLogConfigWarnings_AllWarnings(t *testing.T) {
	// Worst case: single instance semantics unprotected, blind, unthrottled.
	cfg := config.Config{
		CadenceMode:             "timer",
		LeaderElectionEnabled:   false,
		MetricsEnabled:          false,
		MaxAttempts:             0,
		CircuitBreakerThreshold: 0,
	}
	output := captureLogOutput(cfg)

	expected := []string{
		"WARNING [P0]: LEADER_ELECTION_ENABLED=false",
		"WARNING [P1]: METRICS_ENABLED=false",
		"WARNING [P1]: CIRCUIT_BREAKER_THRESHOLD=0",
		"INFO: MAX_ATTEMPTS=0",
	}
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}
