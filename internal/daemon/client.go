package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type DaemonClient interface {
	Screen() (Screenshot, error)
	Keys(keys ...string) error
	Type(text string) error
	Enter() error
	Backspace(count int) error
	Mouse(req MouseRequest) error
	Power(command string) (string, error)
	AutoRestart(enabled bool) error
	Info() (Status, error)
	Machines() ([]MachineEntry, error)
	Machine(action string, args ...string) (string, error)
}

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) DaemonClient {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    DefaultRequestTimeout + writeTimeout,
	}
}

func (c *Client) send(request IPCRequest, response interface{}) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if request.ID == "" {
		request.ID = uuid.New().String()
	}
	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return &RemoteError{Code: resp.Code, Message: resp.Error}
		}
		return fmt.Errorf("daemon request failed")
	}
	if response != nil && resp.Data != nil {
		data, err := json.Marshal(resp.Data)
		if err != nil {
			return fmt.Errorf("marshal response payload: %w", err)
		}
		if err := json.Unmarshal(data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

func (c *Client) Screen() (Screenshot, error) {
	var shot Screenshot
	if err := c.send(IPCRequest{Command: CommandScreen}, &shot); err != nil {
		return Screenshot{}, err
	}
	return shot, nil
}

func (c *Client) Keys(keys ...string) error {
	return c.send(IPCRequest{Command: CommandKeys, Args: keys}, nil)
}

func (c *Client) Type(text string) error {
	return c.send(IPCRequest{Command: CommandType, Args: []string{text}}, nil)
}

func (c *Client) Enter() error {
	return c.send(IPCRequest{Command: CommandEnter}, nil)
}

func (c *Client) Backspace(count int) error {
	return c.send(IPCRequest{Command: CommandBackspace, Args: []string{strconv.Itoa(count)}}, nil)
}

func (c *Client) Mouse(req MouseRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.send(IPCRequest{Command: CommandMouse, Payload: payload}, nil)
}

func (c *Client) Power(command string) (string, error) {
	var result PowerResult
	if err := c.send(IPCRequest{Command: CommandPower, Args: []string{command}}, &result); err != nil {
		return "", err
	}
	return result.State, nil
}

func (c *Client) AutoRestart(enabled bool) error {
	arg := "off"
	if enabled {
		arg = "on"
	}
	return c.send(IPCRequest{Command: CommandAutoRestart, Args: []string{arg}}, nil)
}

func (c *Client) Info() (Status, error) {
	var status Status
	if err := c.send(IPCRequest{Command: CommandInfo}, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

func (c *Client) Machines() ([]MachineEntry, error) {
	var entries []MachineEntry
	if err := c.send(IPCRequest{Command: CommandMachine, Args: []string{MachineList}}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Machine runs a machine action other than list. Create and reset return the
// new machine id.
func (c *Client) Machine(action string, args ...string) (string, error) {
	var result MachineResult
	req := IPCRequest{Command: CommandMachine, Args: append([]string{action}, args...)}
	if err := c.send(req, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}
