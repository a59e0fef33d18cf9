package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IAMConfig enables short-lived RDS IAM auth tokens in place of a static
// database password.
type IAMConfig struct {
	Enabled          bool
	Region           string
	Profile          string
	RoleARN          string
	RoleSessionName  string
	RoleExternalID   string
	EndpointOverride string
}

// RDSIAMTokenProvider generates signed auth tokens for Postgres on RDS.
type RDSIAMTokenProvider struct {
	cfg    aws.Config
	region string
}

// NewRDSIAMTokenProvider builds a token provider from the IAM config.
// Returns nil when IAM auth is disabled.
func NewRDSIAMTokenProvider(ctx context.Context, dsn string, iam IAMConfig) (*RDSIAMTokenProvider, error) {
	if !iam.Enabled {
		return nil, nil
	}
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	region := strings.TrimSpace(iam.Region)
	if region == "" {
		region = inferAWSRegionFromHost(connCfg.Host)
	}
	if region == "" {
		return nil, errors.New("aws region is required when rds iam auth is enabled")
	}

	loader := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if iam.Profile != "" {
		loader = append(loader, config.WithSharedConfigProfile(iam.Profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loader...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if iam.RoleARN != "" {
		sessionName := iam.RoleSessionName
		if sessionName == "" {
			sessionName = "pgdrift-rds-iam"
		}
		stsClient := sts.NewFromConfig(cfg)
		roleProvider := stscreds.NewAssumeRoleProvider(stsClient, iam.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = sessionName
			if iam.RoleExternalID != "" {
				o.ExternalID = aws.String(iam.RoleExternalID)
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(roleProvider)
	}
	if iam.EndpointOverride != "" {
		cfg.BaseEndpoint = aws.String(iam.EndpointOverride)
	}

	return &RDSIAMTokenProvider{cfg: cfg, region: region}, nil
}

// ApplyToPoolConfig configures pool connections to fetch a fresh token
// before each connect.
func (p *RDSIAMTokenProvider) ApplyToPoolConfig(_ context.Context, cfg *pgxpool.Config) error {
	if p == nil {
		return nil
	}
	before := cfg.BeforeConnect
	cfg.BeforeConnect = func(ctx context.Context, connCfg *pgx.ConnConfig) error {
		if before != nil {
			if err := before(ctx, connCfg); err != nil {
				return err
			}
		}
		token, err := p.Token(ctx, connCfg.Host, connCfg.Port, connCfg.User)
		if err != nil {
			return err
		}
		connCfg.Password = token
		return nil
	}
	return nil
}

// ApplyToConnConfig applies IAM auth to a replication connection config.
func (p *RDSIAMTokenProvider) ApplyToConnConfig(ctx context.Context, connCfg *pgconn.Config) error {
	if p == nil {
		return nil
	}
	token, err := p.Token(ctx, connCfg.Host, connCfg.Port, connCfg.User)
	if err != nil {
		return err
	}
	connCfg.Password = token
	return nil
}

// Token returns a signed auth token for the given endpoint and user.
func (p *RDSIAMTokenProvider) Token(ctx context.Context, host string, port uint16, user string) (string, error) {
	if p == nil {
		return "", errors.New("rds iam provider not configured")
	}
	if host == "" || strings.HasPrefix(host, "/") {
		return "", fmt.Errorf("rds iam requires a TCP hostname (got %q)", host)
	}
	if port == 0 {
		return "", errors.New("rds iam requires a port")
	}
	if user == "" {
		return "", errors.New("rds iam requires a user")
	}

	endpoint := fmt.Sprintf("https://%s:%d", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build rds request: %w", err)
	}
	query := req.URL.Query()
	query.Set("Action", "connect")
	query.Set("DBUser", user)
	query.Set("X-Amz-Expires", "900")
	req.URL.RawQuery = query.Encode()

	creds, err := p.cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve aws credentials: %w", err)
	}

	payloadHash := sha256.Sum256(nil)
	signer := v4.NewSigner()
	signedURL, _, err := signer.PresignHTTP(ctx, creds, req, hex.EncodeToString(payloadHash[:]), "rds-db", p.region, time.Now())
	if err != nil {
		return "", fmt.Errorf("sign rds auth token: %w", err)
	}

	signedURL = strings.TrimPrefix(signedURL, "https://")
	return signedURL, nil
}

func inferAWSRegionFromHost(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	host = strings.Split(host, ":")[0]
	parts := strings.Split(host, ".")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "rds" {
			return parts[i-1]
		}
	}
	return ""
}
