// Package vmrest controls the desk VM through the VMware Workstation REST API.
package vmrest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/bytedance/sonic"

	"github.com/cochaviz/vmdesk/internal/power"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8697/api"

	mediaType      = "application/vnd.vmware.vmw.rest-v1+json"
	defaultTimeout = 10 * time.Second
	maxBodySize    = 1 << 20
)

// APIError is a non-2xx response from vmrest.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("vmrest %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("vmrest %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Client implements power.Hypervisor for the current VMware VM and
// power.Provisioner for the VMs registered with vmrest.
type Client struct {
	BaseURL string
	// Token is the base64 "user:password" pair sent as Basic credentials.
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger

	mu   sync.RWMutex
	vmID string
}

var (
	_ power.Hypervisor  = (*Client)(nil)
	_ power.Provisioner = (*Client)(nil)
)

// NewClient returns a client with default transport settings.
func NewClient(baseURL, token, vmID string, logger *slog.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		Logger:     logger.With("component", "hypervisor.vmrest"),
		vmID:       strings.TrimSpace(vmID),
	}
}

// Current returns the id of the VM the power operations act on.
func (c *Client) Current() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vmID
}

// SetCurrent switches the power operations to another VM. An empty id leaves
// the client without a current VM.
func (c *Client) SetCurrent(id string) {
	c.mu.Lock()
	c.vmID = strings.TrimSpace(id)
	c.mu.Unlock()
	c.logger().Info("current vm changed", "vm", id)
}

type powerResponse struct {
	PowerState string `json:"power_state"`
}

type ipResponse struct {
	IP string `json:"ip"`
}

type cloneRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parentId"`
}

type cloneResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Code    int    `json:"Code"`
	Message string `json:"Message"`
}

// PowerState queries GET /vms/{id}/power.
func (c *Client) PowerState(ctx context.Context) (power.State, error) {
	path, err := c.vmPath("power")
	if err != nil {
		return power.Unknown, err
	}
	var resp powerResponse
	if err := c.do(ctx, http.MethodGet, path, "", &resp); err != nil {
		return power.Unknown, err
	}
	state, err := power.ParseState(resp.PowerState)
	if err != nil {
		return power.Unknown, fmt.Errorf("decode power state: %w", err)
	}
	return state, nil
}

// SetPowerState issues PUT /vms/{id}/power. vmrest has no reset operation,
// so reset is a hard power-off followed by a power-on.
func (c *Client) SetPowerState(ctx context.Context, cmd power.Command) error {
	var operations []string
	switch cmd {
	case power.CommandOn:
		state, err := c.PowerState(ctx)
		if err != nil {
			return err
		}
		switch state {
		case power.PoweredOn:
			return nil
		case power.Paused:
			operations = []string{"unpause"}
		default:
			operations = []string{"on"}
		}
	case power.CommandOff:
		operations = []string{"off"}
	case power.CommandShutdown:
		operations = []string{"shutdown"}
	case power.CommandPause:
		operations = []string{"pause"}
	case power.CommandSuspend:
		operations = []string{"suspend"}
	case power.CommandReset:
		operations = []string{"off", "on"}
	default:
		return fmt.Errorf("unsupported power command %q", cmd)
	}

	path, err := c.vmPath("power")
	if err != nil {
		return err
	}
	for _, op := range operations {
		var resp powerResponse
		if err := c.do(ctx, http.MethodPut, path, op, &resp); err != nil {
			return fmt.Errorf("power %s: %w", op, err)
		}
		c.logger().Info("power operation applied", "vm", c.Current(), "operation", op, "power_state", resp.PowerState)
	}
	return nil
}

// IP returns the guest address reported by VMware Tools.
func (c *Client) IP(ctx context.Context) (string, error) {
	path, err := c.vmPath("ip")
	if err != nil {
		return "", err
	}
	var resp ipResponse
	if err := c.do(ctx, http.MethodGet, path, "", &resp); err != nil {
		return "", err
	}
	if net.ParseIP(resp.IP).To4() == nil {
		return "", fmt.Errorf("vm reported non-IPv4 address %q", resp.IP)
	}
	return resp.IP, nil
}

// HostAddress is the guest address with its last octet replaced by 1, the
// host side of VMware's NAT and host-only networks.
func (c *Client) HostAddress(ctx context.Context) (string, error) {
	ip, err := c.IP(ctx)
	if err != nil {
		return "", err
	}
	v4 := net.ParseIP(ip).To4()
	v4[3] = 1
	return v4.String(), nil
}

// Machines lists the VMs registered with vmrest (GET /vms).
func (c *Client) Machines(ctx context.Context) ([]power.Machine, error) {
	var machines []power.Machine
	if err := c.do(ctx, http.MethodGet, "/vms", "", &machines); err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	return machines, nil
}

// Clone creates a VM from parentID (POST /vms) and returns the new id.
func (c *Client) Clone(ctx context.Context, parentID, name string) (string, error) {
	parentID = strings.TrimSpace(parentID)
	if parentID == "" {
		return "", fmt.Errorf("parent vm id is required")
	}
	body, err := json.MarshalString(cloneRequest{Name: name, ParentID: parentID})
	if err != nil {
		return "", fmt.Errorf("encode clone request: %w", err)
	}
	var resp cloneResponse
	if err := c.do(ctx, http.MethodPost, "/vms", body, &resp); err != nil {
		return "", fmt.Errorf("clone vm %s: %w", parentID, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("clone vm %s: response carried no id", parentID)
	}
	c.logger().Info("vm cloned", "parent", parentID, "vm", resp.ID)
	return resp.ID, nil
}

// Delete removes a VM (DELETE /vms/{id}). Deleting the current VM leaves the
// client without one.
func (c *Client) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("vm id is required")
	}
	if err := c.do(ctx, http.MethodDelete, "/vms/"+id, "", nil); err != nil {
		return fmt.Errorf("delete vm %s: %w", id, err)
	}
	c.mu.Lock()
	if c.vmID == id {
		c.vmID = ""
	}
	c.mu.Unlock()
	c.logger().Info("vm deleted", "vm", id)
	return nil
}

func (c *Client) vmPath(resource string) (string, error) {
	id := c.Current()
	if id == "" {
		return "", fmt.Errorf("vm id is required")
	}
	return fmt.Sprintf("/vms/%s/%s", id, resource), nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Client) do(ctx context.Context, method, path, body string, out any) error {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", mediaType)
	if body != "" {
		req.Header.Set("Content-Type", mediaType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Basic "+c.Token)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("vmrest %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var decoded errorResponse
		if len(bytes.TrimSpace(data)) > 0 && json.Unmarshal(data, &decoded) == nil {
			apiErr.Code = decoded.Code
			apiErr.Message = decoded.Message
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
