package httpidp

import (
	"context"
	"net/http"
	"time"

	"github.com/tillworks/posterm/internal/identity"
)

func (c *Client) guardReady() error {
	if !c.IsReady() {
		return identity.ErrNotReady
	}
	return nil
}

// requestGrant posts to the token endpoint and normalizes the response. The
// user object is filled from access-token claims when the provider omits it.
func (c *Client) requestGrant(ctx context.Context, path string, body any) (*identity.Grant, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, path, body, "")
	if err != nil {
		return nil, err
	}

	var grant identity.Grant
	if err := decodeJSON(resp, &grant, http.StatusOK); err != nil {
		return nil, err
	}
	if grant.IssuedAt.IsZero() {
		grant.IssuedAt = time.Now().UTC()
	}
	if grant.User.ID == "" && grant.AccessToken != "" {
		if user, err := identity.UserFromAccessToken(grant.AccessToken); err == nil {
			grant.User = *user
		}
	}
	return &grant, nil
}

func (c *Client) SignInPassword(ctx context.Context, email, password string) (*identity.Grant, error) {
	if err := c.guardReady(); err != nil {
		return nil, err
	}
	return c.requestGrant(ctx, "/v1/token?grant_type=password", map[string]string{
		"email":    email,
		"password": password,
	})
}

func (c *Client) SignUp(ctx context.Context, email, password string) (*identity.Grant, error) {
	if err := c.guardReady(); err != nil {
		return nil, err
	}
	return c.requestGrant(ctx, "/v1/signup", map[string]string{
		"email":    email,
		"password": password,
	})
}

func (c *Client) RequestOTP(ctx context.Context, phone string) error {
	if err := c.guardReady(); err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/otp", map[string]string{
		"phone": phone,
	}, "")
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil, http.StatusOK)
}

func (c *Client) VerifyOTP(ctx context.Context, phone, code string) (*identity.Grant, error) {
	if err := c.guardReady(); err != nil {
		return nil, err
	}
	return c.requestGrant(ctx, "/v1/verify", map[string]string{
		"type":  "sms",
		"phone": phone,
		"token": code,
	})
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*identity.Grant, error) {
	if err := c.guardReady(); err != nil {
		return nil, err
	}
	return c.requestGrant(ctx, "/v1/token?grant_type=refresh_token", map[string]string{
		"refresh_token": refreshToken,
	})
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if err := c.guardReady(); err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/logout", nil, accessToken)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil, http.StatusNoContent)
}

func (c *Client) SetSession(ctx context.Context, accessToken, refreshToken string) error {
	if err := c.guardReady(); err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/session", map[string]string{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	}, accessToken)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil, http.StatusOK)
}

func (c *Client) UpdateUserAttributes(ctx context.Context, accessToken string, attrs map[string]any) error {
	if err := c.guardReady(); err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, http.MethodPut, "/v1/user", map[string]any{
		"data": attrs,
	}, accessToken)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil, http.StatusOK)
}

func (c *Client) Query(ctx context.Context, accessToken string, req identity.QueryRequest) (*identity.QueryResult, error) {
	if err := c.guardReady(); err != nil {
		return nil, err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/query", req, accessToken)
	if err != nil {
		return nil, err
	}

	var result identity.QueryResult
	if err := decodeJSON(resp, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}
