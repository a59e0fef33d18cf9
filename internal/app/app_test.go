package app

import (
	"testing"

	"github.com/fangqiank/pgdrift/internal/config"
)

func TestIAMConfig_CarriesToggleAndCredentials(t *testing.T) {
	cfg := &config.Config{}
	cfg.Postgres.IAMAuth = true
	cfg.Postgres.AWSRegion = "us-west-2"
	cfg.Postgres.AWSProfile = "capture"
	cfg.Postgres.AWSRoleARN = "arn:aws:iam::123456789012:role/pgdrift"

	iam := iamConfig(cfg)
	if !iam.Enabled {
		t.Fatal("iam auth toggle not propagated to provider config")
	}
	if iam.Region != "us-west-2" {
		t.Fatalf("region not propagated: %q", iam.Region)
	}
	if iam.Profile != "capture" {
		t.Fatalf("profile not propagated: %q", iam.Profile)
	}
	if iam.RoleARN != "arn:aws:iam::123456789012:role/pgdrift" {
		t.Fatalf("role arn not propagated: %q", iam.RoleARN)
	}
}
