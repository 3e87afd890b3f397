package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrInvalidCredentials reports a login the upstream rejected.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UpstreamUser is the identity the upstream returns on a successful login.
type UpstreamUser struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// LoginResult carries the upstream bearer credential and the identity it
// belongs to.
type LoginResult struct {
	Credential string
	User       UpstreamUser
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  UpstreamUser `json:"user"`
}

// ExchangeLogin trades an email and password for an upstream bearer
// credential. The gateway never stores the password; it travels upstream once
// and only the returned credential persists, sealed inside the session.
func (f *Forwarder) ExchangeLogin(ctx context.Context, email, password string) (LoginResult, error) {
	payload, err := json.Marshal(loginRequest{Email: email, Password: password})
	if err != nil {
		return LoginResult{}, fmt.Errorf("marshal login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.base.String()+"/login", bytes.NewReader(payload))
	if err != nil {
		return LoginResult{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return LoginResult{}, ErrInvalidCredentials
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return LoginResult{}, fmt.Errorf("upstream login returned status %d", resp.StatusCode)
	}

	var decoded loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return LoginResult{}, fmt.Errorf("decode login response: %w", err)
	}
	if decoded.Token == "" || decoded.User.ID == "" {
		return LoginResult{}, fmt.Errorf("upstream login response missing token or user")
	}
	return LoginResult{Credential: decoded.Token, User: decoded.User}, nil
}
