package ctlplane

import (
	"errors"
	"fmt"
	"net/rpc"
	"strings"
	"sync"

	"grimm.is/enclave/internal/brand"
	"grimm.is/enclave/internal/firewall"
	"grimm.is/enclave/internal/state"
	"grimm.is/enclave/internal/vpn"
)

// ControlPlaneClient is the CLI's view of the daemon.
type ControlPlaneClient interface {
	Close() error
	Status() (*Status, error)
	Assign(segment, target string) (*SegmentStatus, error)
	Connect(name string) error
	Disconnect(name string) error
	Ruleset() (*RulesetReply, error)
}

// Client is the RPC client for the control socket.
type Client struct {
	socketPath string
	client     *rpc.Client
	mu         sync.RWMutex
}

var _ ControlPlaneClient = (*Client)(nil)

// NewClient connects to the daemon. An empty socketPath uses the default.
func NewClient(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = brand.GetSocketPath()
	}
	client, err := rpc.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s daemon at %s: %w", brand.Name, socketPath, err)
	}
	return &Client{socketPath: socketPath, client: client}, nil
}

// Close closes the RPC connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// call runs one RPC, reconnecting once if the connection was lost.
func (c *Client) call(method string, args, reply any) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		if err := c.reconnect(nil); err != nil {
			return err
		}
		c.mu.RLock()
		client = c.client
		c.mu.RUnlock()
	}

	err := client.Call(ServiceName+"."+method, args, reply)
	if err == nil {
		return nil
	}
	if errors.Is(err, rpc.ErrShutdown) || isNetworkError(err) {
		if recErr := c.reconnect(client); recErr != nil {
			return fmt.Errorf("RPC call failed (%v) and reconnection failed: %w", err, recErr)
		}
		c.mu.RLock()
		client = c.client
		c.mu.RUnlock()
		err = client.Call(ServiceName+"."+method, args, reply)
	}
	return remoteError(err)
}

func (c *Client) reconnect(old *rpc.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != old && c.client != nil {
		return nil
	}
	if c.client != nil {
		c.client.Close()
	}
	client, err := rpc.Dial("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("reconnect to control socket: %w", err)
	}
	c.client = client
	return nil
}

func isNetworkError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection is shut down") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "use of closed network connection")
}

// RemoteError is an error returned by the daemon. It unwraps to the matching
// sentinel so callers can use errors.Is across the socket.
type RemoteError struct {
	Message string
	kind    error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.kind }

// remoteSentinels are checked in order; state's "unknown tunnel" shadows
// the registry's identical text.
var remoteSentinels = []error{
	state.ErrUnknownSegment,
	state.ErrUnknownTunnel,
	state.ErrInvalidTarget,
	state.ErrStoreFatal,
	firewall.ErrInconsistent,
	firewall.ErrApplyHung,
	vpn.ErrNoConfig,
	ErrNotRunning,
	ErrNotEnforceable,
	ErrRollbackFailed,
}

func remoteError(err error) error {
	var se rpc.ServerError
	if !errors.As(err, &se) {
		return err
	}
	msg := string(se)
	for _, sentinel := range remoteSentinels {
		if strings.Contains(msg, sentinel.Error()) {
			return &RemoteError{Message: msg, kind: sentinel}
		}
	}
	return &RemoteError{Message: msg}
}

// Status returns the node state.
func (c *Client) Status() (*Status, error) {
	var reply GetStatusReply
	if err := c.call("Status", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return &reply.Status, nil
}

// Assign sets a segment's target and returns the segment once the new
// ruleset is live.
func (c *Client) Assign(segment, target string) (*SegmentStatus, error) {
	var reply AssignReply
	if err := c.call("Assign", &AssignArgs{Segment: segment, Target: target}, &reply); err != nil {
		return nil, err
	}
	return &reply.Segment, nil
}

// Connect brings a tunnel up.
func (c *Client) Connect(name string) error {
	return c.call("Connect", &TunnelArgs{Name: name}, &Empty{})
}

// Disconnect takes a tunnel down.
func (c *Client) Disconnect(name string) error {
	return c.call("Disconnect", &TunnelArgs{Name: name}, &Empty{})
}

// Ruleset returns the live ruleset and the kernel's listing.
func (c *Client) Ruleset() (*RulesetReply, error) {
	var reply RulesetReply
	if err := c.call("Ruleset", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
