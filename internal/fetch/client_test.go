package fetch

import (
	"testing"
	"time"
)

func TestNewUpstreamClientUsesTimeout(t *testing.T) {
	client := NewUpstreamClient(45 * time.Second)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if client.Transport == defaultTransport {
		t.Fatalf("client should own a cloned transport")
	}
	if NewUpstreamClient(0).Timeout != 30*time.Second {
		t.Fatalf("expected default timeout 30s")
	}
}
