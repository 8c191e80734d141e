// Package rest talks to the collaborator HTTP API: auth, call records,
// conversations and the chat send fallback.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
)

const requestTimeout = 10 * time.Second

var ErrUnexpectedStatus = errors.New("unexpected status")

// apiError keeps the HTTP status so endpoint wrappers can map specific
// conflicts. Matches ErrUnexpectedStatus under errors.Is.
type apiError struct {
	method string
	path   string
	status int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.method, e.path, e.status)
}

func (e *apiError) Is(target error) bool { return target == ErrUnexpectedStatus }

// Client implements core.AuthAPI, core.CallAPI, core.ConversationAPI
// and core.MessageAPI against a single base URL.
type Client struct {
	baseURL string
	http    *fasthttp.Client

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &fasthttp.Client{
			ReadTimeout:  requestTimeout,
			WriteTimeout: requestTimeout,
		},
	}
}

// SetToken installs the bearer token used for all subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) Login(ctx context.Context, username, password string) (*domain.User, string, error) {
	body := map[string]string{"username": username, "password": password}
	var out struct {
		User  domain.User `json:"user"`
		Token string      `json:"token"`
	}
	if err := c.do(ctx, fasthttp.MethodPost, "/api/v1/auth/login", body, &out); err != nil {
		return nil, "", fmt.Errorf("login: %w", err)
	}
	c.SetToken(out.Token)
	log.Info().Str("module", "adapters.rest").Str("user", string(out.User.ID)).Msg("logged in")
	return &out.User, out.Token, nil
}

func (c *Client) Create(ctx context.Context, conversationID domain.ConversationID, callType domain.CallType) (*domain.Call, error) {
	body := map[string]string{
		"conversationId": string(conversationID),
		"type":           string(callType),
	}
	var call domain.Call
	if err := c.do(ctx, fasthttp.MethodPost, "/api/v1/calls", body, &call); err != nil {
		// Only this resource reports a stale ongoing call as a
		// conflict; the call engine retries that one case after a
		// cleanup. Conflicts elsewhere stay ErrUnexpectedStatus.
		var ae *apiError
		if errors.As(err, &ae) && ae.status == fasthttp.StatusConflict {
			return nil, core.ErrOngoingCall
		}
		return nil, fmt.Errorf("creating call: %w", err)
	}
	return &call, nil
}

func (c *Client) UpdateStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) error {
	body := map[string]string{"status": string(status)}
	path := fmt.Sprintf("/api/v1/calls/%s/status", id)
	if err := c.do(ctx, fasthttp.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("updating call %s: %w", id, err)
	}
	return nil
}

func (c *Client) End(ctx context.Context, id domain.CallID) error {
	path := fmt.Sprintf("/api/v1/calls/%s/end", id)
	if err := c.do(ctx, fasthttp.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("ending call %s: %w", id, err)
	}
	return nil
}

func (c *Client) CleanupExpired(ctx context.Context) error {
	if err := c.do(ctx, fasthttp.MethodPost, "/api/v1/calls/cleanup", nil, nil); err != nil {
		return fmt.Errorf("cleaning up expired calls: %w", err)
	}
	return nil
}

func (c *Client) GetOrCreateDirect(ctx context.Context, peerID domain.UserID) (*domain.Conversation, error) {
	body := map[string]string{"peerId": string(peerID)}
	var conv domain.Conversation
	if err := c.do(ctx, fasthttp.MethodPost, "/api/v1/conversations/direct", body, &conv); err != nil {
		return nil, fmt.Errorf("resolving direct conversation: %w", err)
	}
	return &conv, nil
}

func (c *Client) Send(ctx context.Context, msg *domain.Message) error {
	path := fmt.Sprintf("/api/v1/conversations/%s/messages", msg.ConversationID)
	if err := c.do(ctx, fasthttp.MethodPost, path, msg, nil); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// do runs one JSON round trip. Non-2xx statuses come back as *apiError
// so endpoint wrappers can inspect the code.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		req.SetBody(b)
	}

	deadline := time.Now().Add(requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if code := resp.StatusCode(); code < 200 || code >= 300 {
		log.Warn().Str("module", "adapters.rest").Str("path", path).Int("status", code).Msg("request failed")
		return &apiError{method: method, path: path, status: code}
	}

	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
