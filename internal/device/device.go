// Package device keeps the state a porter device needs to verify visitor
// credentials without connectivity: the enrollment profile (organization
// keys and clock tolerance) and a local set of known revocations.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"vecino.app/internal/enrollment"
	"vecino.app/internal/verify"
)

// Profile is what a device keeps after enrollment.
type Profile struct {
	APIBaseURL       string          `json:"apiBaseUrl"`
	OrganizationID   string          `json:"organizationId"`
	UserID           string          `json:"userId"`
	Kid              string          `json:"kid"`
	JWKS             json.RawMessage `json:"jwks"`
	ClockSkewSeconds int64           `json:"clockSkewSeconds"`
	EnrolledAt       time.Time       `json:"enrolledAt"`
	RevocationsSince time.Time       `json:"revocationsSince,omitempty"`
	Revoked          []Revocation    `json:"revoked,omitempty"`
}

// Revocation mirrors an entry of the server revocation feed.
type Revocation struct {
	AuthorizationID string    `json:"authId"`
	RevokedAt       time.Time `json:"revokedAt"`
	ValidTo         time.Time `json:"validTo"`
}

// ClockSkew returns the tolerance handed out at enrollment.
func (p Profile) ClockSkew() time.Duration {
	return time.Duration(p.ClockSkewSeconds) * time.Second
}

// Client talks to the access API on behalf of a device.
type Client struct {
	baseURL string
	http    *http.Client
	retries uint64
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithRetries bounds retries of transient network and 5xx failures.
func WithRetries(n uint64) ClientOption {
	return func(cl *Client) { cl.retries = n }
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("device: invalid api url %q", baseURL)
	}
	c := &Client{baseURL: u.String(), http: &http.Client{Timeout: 15 * time.Second}, retries: 3}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ConsumeError is returned when the server refuses an enrollment token.
type ConsumeError struct {
	Status int
	Reason enrollment.Reason
}

func (e *ConsumeError) Error() string {
	return fmt.Sprintf("enrollment refused (%d): %s", e.Status, e.Reason)
}

// Enroll consumes a raw enrollment token and returns the device profile.
// Refusals are never retried since the token may already be spent.
func (c *Client) Enroll(ctx context.Context, rawToken string) (Profile, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Profile{}, errors.New("device: enrollment token is required")
	}
	body, err := json.Marshal(map[string]string{"token": rawToken})
	if err != nil {
		return Profile{}, err
	}
	var res enrollment.Result
	err = c.do(ctx, http.MethodPost, "/v1/enrollment/consume", "", body, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			var refusal struct {
				Reason enrollment.Reason `json:"reason"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&refusal)
			return backoff.Permanent(&ConsumeError{Status: resp.StatusCode, Reason: refusal.Reason})
		}
		return json.NewDecoder(resp.Body).Decode(&res)
	})
	if err != nil {
		return Profile{}, err
	}
	if _, err := verify.NewKeySet(res.JWKS); err != nil {
		return Profile{}, fmt.Errorf("device: enrollment returned unusable keys: %w", err)
	}
	return Profile{
		APIBaseURL:       c.baseURL,
		OrganizationID:   res.OrganizationID,
		UserID:           res.UserID,
		Kid:              res.Kid,
		JWKS:             res.JWKS,
		ClockSkewSeconds: res.ClockSkewSeconds,
		EnrolledAt:       time.Now().UTC(),
	}, nil
}

// SyncRevocations pulls the revocation feed newer than the profile
// watermark and merges it into the profile.
func (c *Client) SyncRevocations(ctx context.Context, bearer string, p *Profile) (int, error) {
	path := "/v1/authorizations/revocations"
	if !p.RevocationsSince.IsZero() {
		path += "?since=" + url.QueryEscape(p.RevocationsSince.UTC().Format(time.RFC3339))
	}
	var feed struct {
		Items      []Revocation `json:"items"`
		ServerTime time.Time    `json:"serverTime"`
	}
	err := c.do(ctx, http.MethodGet, path, bearer, nil, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("device: revocation feed status %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&feed)
	})
	if err != nil {
		return 0, err
	}
	added := p.merge(feed.Items, feed.ServerTime)
	return added, nil
}

// SyncKeys refreshes the organization key set after a rotation. Kids the
// device already trusts stay in the profile even when the server stops
// listing them, so credentials signed before a rotation keep verifying.
func (c *Client) SyncKeys(ctx context.Context, bearer string, p *Profile) (int, error) {
	var fetched json.RawMessage
	err := c.do(ctx, http.MethodGet, "/v1/keys/jwks", bearer, nil, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("device: key set status %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&fetched)
	})
	if err != nil {
		return 0, err
	}
	merged, added, err := mergeJWKS(p.JWKS, fetched)
	if err != nil {
		return 0, err
	}
	if _, err := verify.NewKeySet(merged); err != nil {
		return 0, fmt.Errorf("device: server returned unusable keys: %w", err)
	}
	p.JWKS = merged
	return added, nil
}

type jwkSet struct {
	Keys []json.RawMessage `json:"keys"`
}

func mergeJWKS(current, fetched json.RawMessage) (json.RawMessage, int, error) {
	var have, got jwkSet
	if len(current) > 0 {
		if err := json.Unmarshal(current, &have); err != nil {
			return nil, 0, fmt.Errorf("device: parse profile keys: %w", err)
		}
	}
	if err := json.Unmarshal(fetched, &got); err != nil {
		return nil, 0, fmt.Errorf("device: parse key set: %w", err)
	}
	known := make(map[string]struct{}, len(have.Keys))
	for _, k := range have.Keys {
		known[kidOf(k)] = struct{}{}
	}
	added := 0
	for _, k := range got.Keys {
		kid := kidOf(k)
		if kid == "" {
			continue
		}
		if _, ok := known[kid]; ok {
			continue
		}
		known[kid] = struct{}{}
		have.Keys = append(have.Keys, k)
		added++
	}
	out, err := json.Marshal(have)
	if err != nil {
		return nil, 0, err
	}
	return out, added, nil
}

func kidOf(raw json.RawMessage) string {
	var k struct {
		Kid string `json:"kid"`
	}
	_ = json.Unmarshal(raw, &k)
	return k.Kid
}

func (p *Profile) merge(items []Revocation, watermark time.Time) int {
	known := make(map[string]struct{}, len(p.Revoked))
	for _, r := range p.Revoked {
		known[r.AuthorizationID] = struct{}{}
	}
	added := 0
	for _, r := range items {
		if _, ok := known[r.AuthorizationID]; ok {
			continue
		}
		known[r.AuthorizationID] = struct{}{}
		p.Revoked = append(p.Revoked, r)
		added++
	}
	if watermark.After(p.RevocationsSince) {
		p.RevocationsSince = watermark
	}
	return added
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body []byte, handle func(*http.Response) error) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		req.Header.Set("User-Agent", "vecino-porter")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("device: %s %s: status %d", method, path, resp.StatusCode)
		}
		return handle(resp)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx))
}

// Verifier builds an offline verifier from the profile keys and the locally
// known revocations.
func (p Profile) Verifier(opts ...verify.Option) (*verify.Verifier, error) {
	ks, err := verify.NewKeySet(p.JWKS)
	if err != nil {
		return nil, err
	}
	revoked := verify.NewLocalRevocations(len(p.Revoked)+1024, 0)
	for _, r := range p.Revoked {
		revoked.Add(r.AuthorizationID, r.ValidTo)
	}
	return verify.NewVerifier(ks, append([]verify.Option{verify.WithRevocations(revoked)}, opts...)...)
}

// Save writes the profile atomically with owner-only permissions.
func Save(path string, p Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".device-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("device: parse %s: %w", path, err)
	}
	if len(p.JWKS) == 0 {
		return Profile{}, fmt.Errorf("device: %s holds no keys", path)
	}
	return p, nil
}
