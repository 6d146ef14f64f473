// Package client talks to the vmnetd API over its unix socket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jbweber/homelab/vmnetd/internal/api"
	"github.com/jbweber/homelab/vmnetd/internal/domain"
	"github.com/jbweber/homelab/vmnetd/internal/resolver"
	"github.com/jbweber/homelab/vmnetd/internal/store"
)

// The host part is ignored; every request goes to the socket.
const baseURL = "http://vmnetd"

// DefaultPollInterval is how often WaitForPhase re-reads a resource.
var DefaultPollInterval = 250 * time.Millisecond

// Error is a non-2xx API response. It unwraps to the store error named by
// the reason, falling back to the one implied by the status code.
type Error struct {
	StatusCode int
	Reason     string
	Message    string
	Fields     []domain.FieldError
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

func (e *Error) Unwrap() error {
	switch e.Reason {
	case api.ReasonInUse:
		return store.ErrInUse
	case api.ReasonNotReady:
		return store.ErrNotReady
	}

	switch e.StatusCode {
	case http.StatusBadRequest:
		if len(e.Fields) > 0 {
			return domain.FieldErrors(e.Fields)
		}
		return store.ErrValidation
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusConflict:
		return store.ErrConflict
	}
	return nil
}

// Client is an API client
type Client struct {
	http *http.Client
	base string
}

// New returns a client dialing the unix socket at path
func New(path string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		},
		base: baseURL,
	}
}

// Apply creates or updates a resource. created reports whether the
// resource did not exist before.
func (c *Client) Apply(ctx context.Context, res domain.Resource) (domain.Resource, bool, error) {
	info, ok := domain.LookupKind(res.Kind)
	if !ok {
		return domain.Resource{}, false, domain.FieldErrors{{Field: "kind", Message: fmt.Sprintf("unknown kind %q", res.Kind)}}
	}

	var out domain.Resource
	code, err := c.do(ctx, http.MethodPost, "/api/v1/"+info.Plural, res, &out)
	if err != nil {
		return domain.Resource{}, false, err
	}
	return out, code == http.StatusCreated, nil
}

// CreateBridge applies a Bridge manifest
func (c *Client) CreateBridge(ctx context.Context, name string, spec domain.BridgeSpec) (domain.Resource, bool, error) {
	return c.Apply(ctx, domain.Resource{
		APIVersion: domain.APIVersion,
		Kind:       domain.KindBridge,
		Metadata:   domain.Metadata{Name: name},
		Spec:       &spec,
	})
}

// Get returns one resource of any kind
func (c *Client) Get(ctx context.Context, kind, name string) (domain.Resource, error) {
	plural, err := pluralOf(kind)
	if err != nil {
		return domain.Resource{}, err
	}
	var out domain.Resource
	_, err = c.do(ctx, http.MethodGet, "/api/v1/"+plural+"/"+url.PathEscape(name), nil, &out)
	return out, err
}

// GetBridge returns one bridge
func (c *Client) GetBridge(ctx context.Context, name string) (domain.Resource, error) {
	return c.Get(ctx, domain.KindBridge, name)
}

// ListBridges returns every bridge ordered by name
func (c *Client) ListBridges(ctx context.Context) ([]domain.Resource, error) {
	var out []domain.Resource
	_, err := c.do(ctx, http.MethodGet, "/api/v1/bridges", nil, &out)
	return out, err
}

// Delete requests deletion of a resource of any kind
func (c *Client) Delete(ctx context.Context, kind, name string) error {
	plural, err := pluralOf(kind)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, "/api/v1/"+plural+"/"+url.PathEscape(name), nil, nil)
	return err
}

// DeleteBridge requests deletion of a bridge. It returns before teardown.
func (c *Client) DeleteBridge(ctx context.Context, name string) error {
	return c.Delete(ctx, domain.KindBridge, name)
}

// Attach attaches a VM to a bridge. An empty address asks the server to
// allocate one.
func (c *Client) Attach(ctx context.Context, vmName, bridgeName, address string) (domain.Attachment, error) {
	var out domain.Attachment
	body := map[string]string{"vmName": vmName}
	if address != "" {
		body["address"] = address
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/bridges/"+url.PathEscape(bridgeName)+"/attachments", body, &out)
	return out, err
}

// Detach releases a VM's address on a bridge
func (c *Client) Detach(ctx context.Context, vmName, bridgeName string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/bridges/"+url.PathEscape(bridgeName)+"/attachments/"+url.PathEscape(vmName), nil, nil)
	return err
}

// Attachments lists the attachments of a bridge
func (c *Client) Attachments(ctx context.Context, bridgeName string, activeOnly bool) ([]domain.Attachment, error) {
	var out []domain.Attachment
	path := "/api/v1/bridges/" + url.PathEscape(bridgeName) + "/attachments"
	if activeOnly {
		path += "?active=true"
	}
	_, err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Zones returns the DNS zone table served right now
func (c *Client) Zones(ctx context.Context) ([]resolver.ZoneInfo, error) {
	var out []resolver.ZoneInfo
	_, err := c.do(ctx, http.MethodGet, "/api/v1/zones", nil, &out)
	return out, err
}

// WaitForPhase polls until the resource reaches phase or timeout elapses.
// On timeout the last observed resource is returned with an error matching
// wait.Interrupted.
func (c *Client) WaitForPhase(ctx context.Context, kind, name string, phase domain.Phase, timeout time.Duration) (domain.Resource, error) {
	var last domain.Resource
	err := wait.PollUntilContextTimeout(ctx, DefaultPollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		res, err := c.Get(ctx, kind, name)
		if err != nil {
			return false, err
		}
		last = res
		return res.Reached(phase), nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			return last, fmt.Errorf("timed out waiting for %s/%s to become %s (last phase %q): %w", kind, name, phase, last.Status.Phase, err)
		}
		return last, err
	}
	return last, nil
}

// WaitForDeletion polls until the resource is gone.
func (c *Client) WaitForDeletion(ctx context.Context, kind, name string, timeout time.Duration) error {
	return wait.PollUntilContextTimeout(ctx, DefaultPollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		_, err := c.Get(ctx, kind, name)
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		return false, err
	})
}

func pluralOf(kind string) (string, error) {
	info, ok := domain.LookupKind(kind)
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q", store.ErrValidation, kind)
	}
	return info.Plural, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er api.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Message = er.Error
			apiErr.Reason = er.Reason
			apiErr.Fields = er.Fields
		}
		return resp.StatusCode, apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
