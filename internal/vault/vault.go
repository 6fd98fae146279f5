// Package vault encrypts repository credentials at rest and refreshes
// Bitbucket OAuth access tokens.
//
// The key is derived once from the application secret and a fixed salt. The
// salt must never change: every stored ciphertext depends on it.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/oauth2"

	"github.com/repoautomator/prmirror/internal/config"
	"github.com/repoautomator/prmirror/internal/mirror"
)

const (
	iterations = 100_000
	keyLen     = chacha20poly1305.KeySize
)

var salt = []byte("prmirror/credential-vault/v1")

var ErrMalformed = errors.New("malformed ciphertext")

type Vault struct {
	key      []byte
	tokenURL string
	client   *http.Client
}

func New(secret string) *Vault {
	return &Vault{
		key:      pbkdf2.Key([]byte(secret), salt, iterations, keyLen, sha256.New),
		tokenURL: config.DefaultBitbucketTokenURL,
		client:   &http.Client{Timeout: config.DefaultHTTPTimeout},
	}
}

// WithTokenURL overrides the Bitbucket OAuth token endpoint.
func (v *Vault) WithTokenURL(u string) *Vault {
	if u != "" {
		v.tokenURL = u
	}
	return v
}

func (v *Vault) WithHTTPClient(c *http.Client) *Vault {
	if c != nil {
		v.client = c
	}
	return v
}

// Encrypt returns base64url(nonce || sealed). An empty plaintext yields an
// empty ciphertext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	bs, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}

	if len(bs) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformed
	}

	nonce, sealed := bs[:aead.NonceSize()], bs[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return string(plaintext), nil
}

// DecryptAll decrypts every value of a labeled set. Empty values stay empty.
func (v *Vault) DecryptAll(values map[string]string) (map[string]string, error) {
	result := make(map[string]string, len(values))
	for k, ct := range values {
		pt, err := v.Decrypt(ct)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		result[k] = pt
	}
	return result, nil
}

// RefreshBitbucketToken performs the OAuth refresh-token grant. A non-200
// response is returned as a *mirror.HostAPIError carrying the raw body.
func (v *Vault) RefreshBitbucketToken(ctx context.Context, clientID, clientSecret, refreshToken string) (string, error) {
	conf := oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  v.tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.client)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return "", &mirror.HostAPIError{
				Host:    "bitbucket",
				Op:      "refresh token",
				Status:  re.Response.StatusCode,
				Message: re.ErrorDescription,
				Body:    string(re.Body),
			}
		}
		return "", &mirror.TransientError{Op: "bitbucket refresh token", Err: err}
	}

	return tok.AccessToken, nil
}

// RefreshOAuth decrypts an encrypted OAuth bundle and exchanges its refresh
// token for a new access token.
func (v *Vault) RefreshOAuth(ctx context.Context, o *config.OAuth) (string, error) {
	if o == nil {
		return "", &mirror.ConfigurationError{Field: "oauth", Reason: "bitbucket requires client_id, client_secret, refresh_token"}
	}

	creds, err := v.DecryptAll(o.Map())
	if err != nil {
		return "", err
	}

	return v.RefreshBitbucketToken(ctx, creds["client_id"], creds["client_secret"], creds["refresh_token"])
}
