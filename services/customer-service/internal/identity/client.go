// Package identity is the HTTP client for identity-service, used to enrich
// registration events with the current user record.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type User struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Status   string `json:"status"`
}

type lookupKind int

const (
	lookupFound lookupKind = iota
	lookupNotFound
	lookupFailed
)

// LookupResult distinguishes "the user does not exist" from "the lookup did
// not complete". Callers must branch on all three outcomes: a transport
// failure is retryable, a missing user is not.
type LookupResult struct {
	kind lookupKind
	user User
	err  error
}

func Found(user User) LookupResult  { return LookupResult{kind: lookupFound, user: user} }
func NotFound() LookupResult        { return LookupResult{kind: lookupNotFound} }
func Failed(err error) LookupResult { return LookupResult{kind: lookupFailed, err: err} }

func (r LookupResult) Found() bool    { return r.kind == lookupFound }
func (r LookupResult) NotFound() bool { return r.kind == lookupNotFound }
func (r LookupResult) Failed() bool   { return r.kind == lookupFailed }
func (r LookupResult) User() User     { return r.user }
func (r LookupResult) Err() error     { return r.err }

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) GetUser(ctx context.Context, userID string) LookupResult {
	url := c.baseURL + "/api/v1/users/" + userID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Failed(fmt.Errorf("build user lookup request: %w", err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Failed(fmt.Errorf("user lookup: %w", err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		var user User
		if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
			return Failed(fmt.Errorf("decode user lookup response: %w", err))
		}
		return Found(user)
	case http.StatusNotFound:
		return NotFound()
	default:
		return Failed(fmt.Errorf("user lookup: unexpected status %d", resp.StatusCode))
	}
}
