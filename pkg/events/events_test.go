package events

import (
	"context"
	"testing"
)

func TestInitNoopWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	shutdown, err := Init(context.Background(), "meshcore-test", "0.0.0")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	shutdown(context.Background()) // must not panic when no exporter was configured
}

func TestNewSinkProducesUsableInstruments(t *testing.T) {
	sink := NewSink("test-component")
	if sink.ProbeAttempts == nil {
		t.Error("ProbeAttempts counter is nil")
	}
	if sink.HolePunchResult == nil {
		t.Error("HolePunchResult counter is nil")
	}
	if sink.RelaySessions == nil {
		t.Error("RelaySessions counter is nil")
	}
	if sink.SignalingRTT == nil {
		t.Error("SignalingRTT histogram is nil")
	}

	ctx, span := sink.StartSpan(context.Background(), "unit-test-span")
	if ctx == nil {
		t.Fatal("StartSpan returned nil context")
	}
	span.End()
}

func TestParseLogLineExtractsComponentTag(t *testing.T) {
	component, body := parseLogLine("2026/07/29 12:00:00 [Relay] session established")
	if component != "relay" {
		t.Errorf("component = %q, want %q", component, "relay")
	}
	if body != "session established" {
		t.Errorf("body = %q, want %q", body, "session established")
	}
}

func TestParseLogLineWithoutTag(t *testing.T) {
	component, body := parseLogLine("plain message with no tag")
	if component != "general" {
		t.Errorf("component = %q, want %q", component, "general")
	}
	if body != "plain message with no tag" {
		t.Errorf("body = %q, want %q", body, "plain message with no tag")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]bool{"debug": true, "warn": true, "error": true, "info": true, "": true, "bogus": true}
	for input := range cases {
		_ = parseLevel(input) // must not panic for any input
	}
}
