// Package directory talks to the peer cloud, the rendezvous
// service that lists reachable session IDs, and provides
// the server side of it.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const peersPath = "/peerjs/peers"

var (
	ErrPeerNotFound   = errors.New("peer not registered")
	ErrUnexpectedCode = errors.New("unexpected status code")
)

// Registration is one session known to the directory.
type Registration struct { // A
	ID      string `json:"id"`
	Address string `json:"address"`
}

type registerRequest struct {
	Address string `json:"address"`
}

// Client is the HTTP side of the directory capability.
type Client struct { // A
	base string
	http *http.Client
}

// NewClient returns a client for base, the rendered
// {protocol}://{host}:{port}/{path}. A nil hc gets a
// client with a short timeout.
func NewClient(base string, hc *http.Client) *Client { // A
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: hc,
	}
}

func (c *Client) peerURL(id string) string { // A
	return c.base + peersPath + "/" + url.PathEscape(id)
}

// Peers fetches every registered session ID.
func (c *Client) Peers(ctx context.Context) ([]string, error) { // A
	var ids []string
	if err := c.do(ctx, http.MethodGet, c.base+peersPath, nil, &ids); err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return ids, nil
}

// Lookup resolves a session ID to its dial address.
func (c *Client) Lookup( // A
	ctx context.Context,
	id string,
) (Registration, error) {
	var reg Registration
	if err := c.do(ctx, http.MethodGet, c.peerURL(id), nil, &reg); err != nil {
		return Registration{}, fmt.Errorf("lookup peer %s: %w", id, err)
	}
	return reg, nil
}

// Register announces or refreshes a session.
func (c *Client) Register( // A
	ctx context.Context,
	id string,
	address string,
) error {
	body := registerRequest{Address: address}
	if err := c.do(ctx, http.MethodPut, c.peerURL(id), body, nil); err != nil {
		return fmt.Errorf("register peer %s: %w", id, err)
	}
	return nil
}

// Unregister removes a session. Removing an unknown
// session is not an error.
func (c *Client) Unregister(ctx context.Context, id string) error { // A
	err := c.do(ctx, http.MethodDelete, c.peerURL(id), nil, nil)
	if err != nil && !errors.Is(err, ErrPeerNotFound) {
		return fmt.Errorf("unregister peer %s: %w", id, err)
	}
	return nil
}

func (c *Client) do( // A
	ctx context.Context,
	method string,
	target string,
	in any,
	out any,
) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrPeerNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: %d", ErrUnexpectedCode, resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
