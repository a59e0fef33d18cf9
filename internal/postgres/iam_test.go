package postgres

import (
	"context"
	"testing"
)

const testDSN = "postgres://capture@appdb.cluster-abc.us-east-1.rds.amazonaws.com:5432/app"

func TestNewRDSIAMTokenProvider_DisabledReturnsNil(t *testing.T) {
	provider, err := NewRDSIAMTokenProvider(context.Background(), testDSN, IAMConfig{})
	if err != nil {
		t.Fatalf("disabled config must not error: %v", err)
	}
	if provider != nil {
		t.Fatal("disabled config must yield a nil provider")
	}
}

func TestNewRDSIAMTokenProvider_EnabledReturnsProvider(t *testing.T) {
	provider, err := NewRDSIAMTokenProvider(context.Background(), testDSN, IAMConfig{
		Enabled: true,
		Region:  "us-east-1",
	})
	if err != nil {
		t.Fatalf("enabled config: %v", err)
	}
	if provider == nil {
		t.Fatal("enabled config must yield a provider, got nil")
	}
	if provider.region != "us-east-1" {
		t.Fatalf("unexpected region: %q", provider.region)
	}
}

func TestNewRDSIAMTokenProvider_RegionInferredFromHost(t *testing.T) {
	provider, err := NewRDSIAMTokenProvider(context.Background(), testDSN, IAMConfig{Enabled: true})
	if err != nil {
		t.Fatalf("enabled config: %v", err)
	}
	if provider.region != "us-east-1" {
		t.Fatalf("region not inferred from rds hostname: %q", provider.region)
	}
}

func TestInferAWSRegionFromHost(t *testing.T) {
	cases := map[string]string{
		"appdb.cluster-abc.us-east-1.rds.amazonaws.com": "us-east-1",
		"appdb.xyz.eu-west-2.rds.amazonaws.com:5432":    "eu-west-2",
		"localhost": "",
		"":          "",
	}
	for host, want := range cases {
		if got := inferAWSRegionFromHost(host); got != want {
			t.Fatalf("host %q: expected %q, got %q", host, want, got)
		}
	}
}
