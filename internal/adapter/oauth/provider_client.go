// Package oauth holds the outbound HTTP calls to the supported identity
// providers.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harborauth/harbor/internal/domain"
)

// Endpoints describes one provider's OAuth URLs and scopes.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// ProviderEndpoints returns the endpoints for a supported OAuth provider.
func ProviderEndpoints(provider domain.Provider) (Endpoints, error) {
	switch provider {
	case domain.ProviderGoogle:
		return Endpoints{
			AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			UserInfoURL:  "https://openidconnect.googleapis.com/v1/userinfo",
			Scopes:       []string{"openid", "email", "profile"},
		}, nil
	case domain.ProviderGitHub:
		return Endpoints{
			AuthorizeURL: "https://github.com/login/oauth/authorize",
			TokenURL:     "https://github.com/login/oauth/access_token",
			UserInfoURL:  "https://api.github.com/user",
			Scopes:       []string{"read:user", "user:email"},
		}, nil
	default:
		return Endpoints{}, fmt.Errorf("unsupported oauth provider %q", provider)
	}
}

// TokenResponse is the provider's answer to a code exchange.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	IDToken     string `json:"id_token"`
	Scope       string `json:"scope"`
	ExpiresIn   int64  `json:"expires_in"`
}

// UserInfo is the normalized provider profile.
type UserInfo struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

// ProviderClient encapsulates outbound HTTP calls to external IdPs.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, provider domain.Provider, creds Credentials, code, codeVerifier, redirectURI string) (*TokenResponse, error)
	FetchUserInfo(ctx context.Context, provider domain.Provider, accessToken string) (*UserInfo, error)
}

// Credentials are one provider's client id/secret pair.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// HTTPProviderClient is the default ProviderClient implementation.
type HTTPProviderClient struct {
	httpClient *http.Client
}

func NewHTTPProviderClient(client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{httpClient: client}
}

// ExchangeCode performs the authorization-code token exchange.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, provider domain.Provider, creds Credentials, code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	endpoints, err := ProviderEndpoints(provider)
	if err != nil {
		return nil, err
	}

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", creds.ClientID)
	data.Set("client_secret", creds.ClientSecret)
	if strings.TrimSpace(codeVerifier) != "" {
		data.Set("code_verifier", codeVerifier)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoints.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token exchange failed: status=%d", resp.StatusCode)
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token exchange returned no access token")
	}
	return &token, nil
}

// FetchUserInfo loads and normalizes the provider profile. For GitHub a
// second call resolves the primary email when the profile omits it.
func (c *HTTPProviderClient) FetchUserInfo(ctx context.Context, provider domain.Provider, accessToken string) (*UserInfo, error) {
	endpoints, err := ProviderEndpoints(provider)
	if err != nil {
		return nil, err
	}

	body, err := c.getJSON(ctx, endpoints.UserInfoURL, accessToken)
	if err != nil {
		return nil, err
	}

	switch provider {
	case domain.ProviderGitHub:
		var profile struct {
			ID        int64  `json:"id"`
			Login     string `json:"login"`
			Name      string `json:"name"`
			Email     string `json:"email"`
			AvatarURL string `json:"avatar_url"`
		}
		if err := json.Unmarshal(body, &profile); err != nil {
			return nil, fmt.Errorf("decode userinfo: %w", err)
		}
		info := &UserInfo{
			Subject: strconv.FormatInt(profile.ID, 10),
			Email:   profile.Email,
			Name:    profile.Name,
			Picture: profile.AvatarURL,
		}
		if info.Name == "" {
			info.Name = profile.Login
		}
		if info.Email == "" {
			info.Email, err = c.githubPrimaryEmail(ctx, accessToken)
			if err != nil {
				return nil, err
			}
		}
		return info, nil
	default:
		var profile struct {
			Subject string `json:"sub"`
			Email   string `json:"email"`
			Name    string `json:"name"`
			Picture string `json:"picture"`
		}
		if err := json.Unmarshal(body, &profile); err != nil {
			return nil, fmt.Errorf("decode userinfo: %w", err)
		}
		return &UserInfo{
			Subject: profile.Subject,
			Email:   profile.Email,
			Name:    profile.Name,
			Picture: profile.Picture,
		}, nil
	}
}

func (c *HTTPProviderClient) githubPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	body, err := c.getJSON(ctx, "https://api.github.com/user/emails", accessToken)
	if err != nil {
		return "", err
	}
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(body, &emails); err != nil {
		return "", fmt.Errorf("decode emails: %w", err)
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, nil
		}
	}
	return "", fmt.Errorf("no verified email on github account")
}

func (c *HTTPProviderClient) getJSON(ctx context.Context, rawURL, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read userinfo: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("userinfo failed: status=%d", resp.StatusCode)
	}
	return body, nil
}
