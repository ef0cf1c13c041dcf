package mqtt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

const (
	iotSigningService = "iotdevicegateway"
	// sha256 of an empty payload
	emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// presigner signs websocket URLs with SigV4 query parameters
type presigner struct {
	region string
	creds  aws.CredentialsProvider
	signer *v4.Signer
	now    func() time.Time
}

// newPresigner resolves credentials through the default AWS chain
// (environment, shared config, SSO, instance role)
func newPresigner(ctx context.Context, region string) (*presigner, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws credentials: %w", err)
	}
	return newPresignerWithCredentials(region, awsCfg.Credentials), nil
}

func newPresignerWithCredentials(region string, creds aws.CredentialsProvider) *presigner {
	return &presigner{
		region: region,
		creds:  creds,
		signer: v4.NewSigner(),
		now:    time.Now,
	}
}

// Presign returns endpoint with SigV4 authentication in its query string.
// AWS IoT expects the session token outside the signed parameters.
func (p *presigner) Presign(ctx context.Context, endpoint string) (string, error) {
	if p.creds == nil {
		return "", fmt.Errorf("no aws credentials provider configured")
	}

	creds, err := p.creds.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve aws credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("invalid websocket endpoint: %w", err)
	}

	sessionToken := creds.SessionToken
	creds.SessionToken = ""

	signed, _, err := p.signer.PresignHTTP(ctx, creds, req, emptyPayloadHash, iotSigningService, p.region, p.now())
	if err != nil {
		return "", fmt.Errorf("failed to sign websocket url: %w", err)
	}

	if sessionToken != "" {
		signed += "&X-Amz-Security-Token=" + url.QueryEscape(sessionToken)
	}
	return signed, nil
}
