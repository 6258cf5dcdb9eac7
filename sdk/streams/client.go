// Package streams is a Go client for the streamd HTTP API. Requests are
// signed with the caller's secp256k1 key; keepers may instead present a
// bearer token minted with MintKeeperToken.
package streams

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"streamchain/crypto"
	"streamchain/rpc"
)

// ErrNoCredentials is returned when a request needs a signer or keeper token
// and the client has neither.
var ErrNoCredentials = errors.New("streams: no signer or keeper token configured")

// Error codes returned by the API that callers commonly branch on.
const (
	CodeNoTimeElapsed     = "no_time_elapsed"
	CodeInvalidState      = "invalid_state"
	CodeNotFound          = "not_found"
	CodeInsufficientFunds = "insufficient_funds"
	CodeRateLimited       = "rate_limited"
)

// APIError is a decoded non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("streams: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client talks to a single streamd endpoint.
type Client struct {
	endpoint    string
	httpClient  *http.Client
	signer      *crypto.PrivateKey
	keeperToken string
	nowFn       func() time.Time
	nonceFn     func() string
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithSigner sets the key used to sign requests. The key's address is the
// caller for every signed operation.
func WithSigner(key *crypto.PrivateKey) Option {
	return func(c *Client) {
		c.signer = key
	}
}

// WithKeeperToken sets the bearer token presented on tick requests when no
// signer is configured.
func WithKeeperToken(token string) Option {
	return func(c *Client) {
		c.keeperToken = strings.TrimSpace(token)
	}
}

// WithClock overrides the time source used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.nowFn = now
		}
	}
}

// New initialises a client bound to endpoint, e.g. http://127.0.0.1:8080.
func New(endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("streams: endpoint required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("streams: endpoint: %w", err)
	}
	c := &Client{
		endpoint:   trimmed,
		httpClient: http.DefaultClient,
		nowFn:      time.Now,
		nonceFn:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c, nil
}

// Address returns the signer's bech32 address, or "" without a signer.
func (c *Client) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.PubKey().Address().String()
}

// CreateParams describes a new stream. The payer is the signer.
type CreateParams struct {
	Payee         string
	RatePerSecond uint64
	MaxDuration   time.Duration
	GracePeriod   time.Duration
	AutoTerminate bool
}

func (c *Client) Create(ctx context.Context, params CreateParams) (*rpc.StreamView, error) {
	req := rpc.CreateStreamRequest{
		Payee:         params.Payee,
		RatePerSecond: params.RatePerSecond,
		MaxDuration:   int64(params.MaxDuration / time.Second),
		GracePeriod:   int64(params.GracePeriod / time.Second),
		AutoTerminate: params.AutoTerminate,
	}
	return c.streamCall(ctx, "/v1/streams", req, false)
}

func (c *Client) Start(ctx context.Context, id string) (*rpc.StreamView, error) {
	return c.streamCall(ctx, streamPath(id, "start"), nil, false)
}

// Tick settles accrued time. Keepers without a signer authenticate with
// their bearer token.
func (c *Client) Tick(ctx context.Context, id string) (*rpc.StreamView, error) {
	return c.streamCall(ctx, streamPath(id, "tick"), nil, true)
}

func (c *Client) Pause(ctx context.Context, id string) (*rpc.StreamView, error) {
	return c.streamCall(ctx, streamPath(id, "pause"), nil, false)
}

func (c *Client) Resume(ctx context.Context, id string) (*rpc.StreamView, error) {
	return c.streamCall(ctx, streamPath(id, "resume"), nil, false)
}

func (c *Client) Terminate(ctx context.Context, id, reason string) (*rpc.StreamView, error) {
	return c.streamCall(ctx, streamPath(id, "terminate"), rpc.TerminateRequest{Reason: reason}, false)
}

func (c *Client) TopUp(ctx context.Context, id string, amount uint64) (*rpc.StreamView, error) {
	return c.streamCall(ctx, streamPath(id, "topup"), rpc.TopUpRequest{Amount: amount}, false)
}

func (c *Client) Cancel(ctx context.Context, id string) (*rpc.StreamView, error) {
	return c.streamCall(ctx, streamPath(id, "cancel"), nil, false)
}

func (c *Client) LinkTask(ctx context.Context, id, taskID string) (*rpc.StreamView, error) {
	return c.streamCall(ctx, streamPath(id, "link"), rpc.LinkTaskRequest{TaskID: taskID}, false)
}

func (c *Client) Dispute(ctx context.Context, id string) (*rpc.StreamView, error) {
	return c.streamCall(ctx, streamPath(id, "dispute"), nil, false)
}

func (c *Client) ResolveDispute(ctx context.Context, id, outcome string) (*rpc.StreamView, error) {
	return c.streamCall(ctx, streamPath(id, "resolve"), rpc.ResolveDisputeRequest{Outcome: outcome}, false)
}

// Get fetches a stream by id.
func (c *Client) Get(ctx context.Context, id string) (*rpc.StreamView, error) {
	var view rpc.StreamView
	if err := c.do(ctx, http.MethodGet, "/v1/streams/"+url.PathEscape(id), nil, authNone, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListActive returns up to limit active streams with ids after the cursor,
// in id order. An empty cursor starts from the beginning and a zero limit uses
// the server default.
func (c *Client) ListActive(ctx context.Context, after string, limit int) ([]rpc.StreamView, error) {
	query := url.Values{"status": {"active"}}
	if after != "" {
		query.Set("after", after)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp rpc.StreamListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/streams?"+query.Encode(), nil, authNone, &resp); err != nil {
		return nil, err
	}
	return resp.Streams, nil
}

// Account fetches a ledger balance.
func (c *Client) Account(ctx context.Context, address string) (*rpc.AccountView, error) {
	var view rpc.AccountView
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(address), nil, authNone, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Stats fetches program-wide totals.
func (c *Client) Stats(ctx context.Context) (*rpc.StatsView, error) {
	var view rpc.StatsView
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, authNone, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

type authMode int

const (
	authNone authMode = iota
	authSigned
	authSignedOrKeeper
)

func streamPath(id, action string) string {
	return "/v1/streams/" + url.PathEscape(strings.TrimSpace(id)) + "/" + action
}

func (c *Client) streamCall(ctx context.Context, path string, payload interface{}, allowKeeper bool) (*rpc.StreamView, error) {
	mode := authSigned
	if allowKeeper {
		mode = authSignedOrKeeper
	}
	var view rpc.StreamView
	if err := c.do(ctx, http.MethodPost, path, payload, mode, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, mode authMode, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("streams: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req, body, mode); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("streams: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "http_error", Message: strings.TrimSpace(string(data))}
		var decoded rpc.ErrorResponse
		if json.Unmarshal(data, &decoded) == nil && decoded.Error.Code != "" {
			apiErr.Code = decoded.Error.Code
			apiErr.Message = decoded.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("streams: decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request, body []byte, mode authMode) error {
	switch {
	case mode == authNone:
		return nil
	case c.signer != nil:
		return c.sign(req, body)
	case mode == authSignedOrKeeper && c.keeperToken != "":
		req.Header.Set("Authorization", "Bearer "+c.keeperToken)
		return nil
	default:
		return ErrNoCredentials
	}
}

func (c *Client) sign(req *http.Request, body []byte) error {
	timestamp := strconv.FormatInt(c.nowFn().Unix(), 10)
	nonce := c.nonceFn()
	digest := rpc.SigningDigest(timestamp, nonce, req.Method, rpc.CanonicalRequestPath(req), body)
	sig, err := c.signer.Sign(digest)
	if err != nil {
		return fmt.Errorf("streams: sign request: %w", err)
	}
	req.Header.Set(rpc.HeaderTimestamp, timestamp)
	req.Header.Set(rpc.HeaderNonce, nonce)
	req.Header.Set(rpc.HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}
