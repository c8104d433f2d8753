package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CredentialKind names the authentication scheme of a provider.
type CredentialKind string

const (
	CredentialBasic CredentialKind = "basic"
	CredentialToken CredentialKind = "token"
	CredentialOAuth CredentialKind = "oauth"
)

var ErrUnknownCredentialKind = errors.New("unknown credential kind")

// Credential is one of BasicCredential, TokenCredential or OAuthCredential.
// The set is closed: the unexported method keeps other packages from adding
// variants, so a type switch over the three is exhaustive.
type Credential interface {
	Kind() CredentialKind
	credential()
}

type BasicCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenCredential struct {
	Token string `json:"token"`
}

type OAuthCredential struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

func (BasicCredential) Kind() CredentialKind { return CredentialBasic }
func (TokenCredential) Kind() CredentialKind { return CredentialToken }
func (OAuthCredential) Kind() CredentialKind { return CredentialOAuth }

func (BasicCredential) credential() {}
func (TokenCredential) credential() {}
func (OAuthCredential) credential() {}

type credentialEnvelope struct {
	Kind CredentialKind  `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalCredential encodes c with its kind discriminator.
func MarshalCredential(c Credential) ([]byte, error) {
	if c == nil {
		return nil, errors.New("model: nil credential")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("model: encoding %s credential: %w", c.Kind(), err)
	}
	return json.Marshal(credentialEnvelope{Kind: c.Kind(), Data: data})
}

// UnmarshalCredential decodes the output of MarshalCredential.
func UnmarshalCredential(b []byte) (Credential, error) {
	var env credentialEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("model: decoding credential: %w", err)
	}

	var c Credential
	var err error
	switch env.Kind {
	case CredentialBasic:
		var v BasicCredential
		err = json.Unmarshal(env.Data, &v)
		c = v
	case CredentialToken:
		var v TokenCredential
		err = json.Unmarshal(env.Data, &v)
		c = v
	case CredentialOAuth:
		var v OAuthCredential
		err = json.Unmarshal(env.Data, &v)
		c = v
	default:
		return nil, fmt.Errorf("model: %w %q", ErrUnknownCredentialKind, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("model: decoding %s credential: %w", env.Kind, err)
	}
	return c, nil
}

// ProviderToken stores a user's sealed credential for one provider.
// CustomURL is sealed separately and nil when the provider has no custom
// endpoint.
type ProviderToken struct {
	UserID     string
	ProviderID string
	Kind       CredentialKind
	Credential []byte
	CustomURL  []byte
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// ProviderCredential is the decrypted view of a ProviderToken.
type ProviderCredential struct {
	ProviderID string
	Credential Credential
	CustomURL  *string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}
