package credential

import (
	"context"
	"fmt"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/auth/credentials"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// GoogleOptions selects the service-account source. With neither set,
// application default credentials are used.
type GoogleOptions struct {
	CredentialsFile string
	CredentialsJSON string
}

// GoogleProvider issues OAuth2 access tokens for the cloud-platform scope.
type GoogleProvider struct {
	creds *auth.Credentials
}

func NewGoogleProvider(opts GoogleOptions) (*GoogleProvider, error) {
	detect := &credentials.DetectOptions{
		Scopes: []string{cloudPlatformScope},
	}
	switch {
	case opts.CredentialsFile != "":
		detect.CredentialsFile = opts.CredentialsFile
	case opts.CredentialsJSON != "":
		detect.CredentialsJSON = []byte(opts.CredentialsJSON)
	}
	creds, err := credentials.DetectDefault(detect)
	if err != nil {
		return nil, fmt.Errorf("detect google credentials: %w", err)
	}
	return &GoogleProvider{creds: creds}, nil
}

func (p *GoogleProvider) Issue(ctx context.Context) (Token, error) {
	tok, err := p.creds.Token(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("issue google access token: %w", err)
	}
	return Token{Value: tok.Value, ExpiresAt: tok.Expiry}, nil
}
