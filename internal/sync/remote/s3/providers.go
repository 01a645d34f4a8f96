package s3

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
)

// Default AWS S3 endpoints by region.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-west-3":      "s3.eu-west-3.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"eu-north-1":     "s3.eu-north-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-northeast-2": "s3.ap-northeast-2.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
}

// Provider names accepted by ConfigFor.
const (
	ProviderAWS    = "aws"
	ProviderMinIO  = "minio"
	ProviderR2     = "r2"
	ProviderCustom = "custom"
)

// ProviderConfig is the provider-level description of an object store, as
// read from configuration.
type ProviderConfig struct {
	Provider  string
	Endpoint  string // minio and custom
	AccountID string // r2
	Region    string // aws and custom
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ConfigFor turns a provider description into client settings.
//
// AWS and R2 use virtual-host style URLs. MinIO and custom endpoints use
// path-style URLs.
func ConfigFor(p ProviderConfig) (*Config, error) {
	if p.Bucket == "" {
		return nil, apperrors.New(apperrors.ErrConfigInvalid, "s3 bucket is required")
	}
	cfg := &Config{BucketName: p.Bucket, AccessKey: p.AccessKey, SecretKey: p.SecretKey}

	switch strings.ToLower(p.Provider) {
	case ProviderAWS, "":
		region := p.Region
		if region == "" {
			region = "us-east-1"
		}
		endpoint, ok := awsEndpoints[region]
		if !ok {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", region)
		}
		cfg.Endpoint, cfg.Region = endpoint, region
	case ProviderR2:
		if !IsValidR2AccountID(p.AccountID) {
			return nil, apperrors.Newf(apperrors.ErrConfigInvalid, "invalid R2 account id %q", p.AccountID)
		}
		cfg.Endpoint = R2EndpointForAccount(p.AccountID)
		cfg.Region = "auto"
	case ProviderMinIO, ProviderCustom:
		if p.Endpoint == "" {
			return nil, apperrors.Newf(apperrors.ErrConfigInvalid, "s3 endpoint is required for provider %s", p.Provider)
		}
		cfg.Endpoint = withScheme(p.Endpoint, p.UseSSL)
		cfg.Region = p.Region
		if cfg.Region == "" {
			cfg.Region = "us-east-1"
		}
		cfg.ForcePathStyle = true
	default:
		return nil, apperrors.Newf(apperrors.ErrConfigInvalid, "unknown s3 provider %q", p.Provider)
	}
	return cfg, nil
}

func withScheme(endpoint string, useSSL bool) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}

// SupportedAWSRegions returns the regions with a known endpoint, sorted.
func SupportedAWSRegions() []string {
	regions := make([]string, 0, len(awsEndpoints))
	for region := range awsEndpoints {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

// R2EndpointForAccount returns the R2 endpoint for a given account ID.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID looks like a Cloudflare
// account id: 32 hex characters.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
