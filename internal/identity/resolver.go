// Package identity resolves bearer tokens against the external identity
// provider (a GitHub-style API).
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// contactPageSize bounds the follower/following fetch to the first page.
// Larger graphs are truncated; this matches the provider usage the broker
// inherited and keeps admission to three round trips.
const contactPageSize = 100

// Identity is the stable record the provider returns for a valid token.
type Identity struct {
	ID        int64
	Login     string
	Avatar    string
	Followers []int64
	Following []int64
}

// Resolver validates bearer tokens. A failed resolution is not fatal: the
// broker degrades the admission to guest mode.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

type httpResolver struct {
	base   string
	client *http.Client
}

// NewResolver creates a resolver against the given API base URL.
func NewResolver(base string) Resolver {
	return &httpResolver{
		base:   base,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type providerUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

func (r *httpResolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	var me providerUser
	if err := r.get(ctx, token, "/user", &me); err != nil {
		return nil, err
	}
	if me.Login == "" {
		return nil, fmt.Errorf("identity provider returned no login")
	}

	var followers, following []providerUser
	if err := r.get(ctx, token, fmt.Sprintf("/user/followers?per_page=%d", contactPageSize), &followers); err != nil {
		return nil, err
	}
	if err := r.get(ctx, token, fmt.Sprintf("/user/following?per_page=%d", contactPageSize), &following); err != nil {
		return nil, err
	}

	ident := &Identity{
		ID:        me.ID,
		Login:     me.Login,
		Avatar:    me.AvatarURL,
		Followers: make([]int64, 0, len(followers)),
		Following: make([]int64, 0, len(following)),
	}
	for _, u := range followers {
		ident.Followers = append(ident.Followers, u.ID)
	}
	for _, u := range following {
		ident.Following = append(ident.Following, u.ID)
	}
	return ident, nil
}

func (r *httpResolver) get(ctx context.Context, token, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("identity provider %s returned %d: %s", path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
