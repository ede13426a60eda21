package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// DefaultTimeout bounds each user-management API call.
const DefaultTimeout = 10 * time.Second

const (
	contentType   = "application/x-amz-json-1.1"
	targetPrefix  = "AWSCognitoIdentityProviderService."
	targetGetUser = targetPrefix + "GetUser"
	targetUpdate  = targetPrefix + "UpdateUserAttributes"
	maxBodyBytes  = 1 << 20
	maxErrorBytes = 4096
)

// User is the provider's view of the signed-in user.
type User struct {
	Username   string            `json:"username"`
	Attributes map[string]string `json:"attributes"`
}

// Gateway calls the user-management API with the user's own access token.
// Calls are never retried.
type Gateway struct {
	endpoint string
	client   *http.Client
}

// NewGateway returns a Gateway posting to endpoint.
func NewGateway(endpoint string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &Gateway{endpoint: endpoint, client: client}
}

// Read fetches the username and attributes of the token's owner.
func (g *Gateway) Read(ctx context.Context, accessToken string) (*User, error) {
	var resp struct {
		Username       string `json:"Username"`
		UserAttributes []struct {
			Name  string  `json:"Name"`
			Value *string `json:"Value"`
		} `json:"UserAttributes"`
	}
	if err := g.call(ctx, targetGetUser, accessToken, nil, &resp); err != nil {
		return nil, err
	}

	user := &User{Username: resp.Username, Attributes: make(map[string]string, len(resp.UserAttributes))}
	for _, a := range resp.UserAttributes {
		if a.Name == "" {
			continue
		}
		var v string
		if a.Value != nil {
			v = *a.Value
		}
		user.Attributes[a.Name] = v
	}
	return user, nil
}

// Update writes attrs for the token's owner.
func (g *Gateway) Update(ctx context.Context, accessToken string, attrs []Attribute) error {
	return g.call(ctx, targetUpdate, accessToken, map[string]any{"UserAttributes": attrs}, nil)
}

func (g *Gateway) call(ctx context.Context, target, accessToken string, body map[string]any, out any) error {
	payload := map[string]any{}
	for k, v := range body {
		payload[k] = v
	}
	payload["AccessToken"] = accessToken

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", target, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build %s request: %w", target, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Amz-Target", target)

	resp, err := g.client.Do(req)
	if err != nil {
		return &GatewayError{Message: "identity provider unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeFailure(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return &GatewayError{StatusCode: resp.StatusCode, Message: "unexpected response from identity provider", Err: err}
	}
	return nil
}

func decodeFailure(resp *http.Response) *GatewayError {
	gerr := &GatewayError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("call failed (status %d)", resp.StatusCode),
	}
	var body struct {
		Type    string `json:"__type"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBytes)).Decode(&body); err != nil {
		return gerr
	}
	gerr.Code = errorType(body.Type)
	if body.Message != "" {
		gerr.Message = body.Message
	}
	return gerr
}
