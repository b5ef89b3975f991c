package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
)

// Client calls a control Server over its Unix domain socket.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	nextID atomic.Int64
}

// Dial connects to a control server listening at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Call issues a JSON-RPC request and returns its raw result, which the
// caller unmarshals into the expected result type.
func (c *Client) Call(method string, params map[string]interface{}) (json.RawMessage, error) {
	req := Request{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("control: marshal request: %w", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("control: send request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("control: read response: %w", err)
	}

	var resp struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
		ID      interface{}     `json:"id"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("control: decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("control: rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// ListPeers calls peers.list.
func (c *Client) ListPeers() (PeersListResult, error) {
	var result PeersListResult
	raw, err := c.Call("peers.list", nil)
	if err != nil {
		return result, err
	}
	return result, json.Unmarshal(raw, &result)
}

// GetPeer calls peers.get.
func (c *Client) GetPeer(peerID string) (PeerInfo, error) {
	var result PeerInfo
	raw, err := c.Call("peers.get", map[string]interface{}{"peerId": peerID})
	if err != nil {
		return result, err
	}
	return result, json.Unmarshal(raw, &result)
}

// Status calls node.status.
func (c *Client) Status() (NodeStatusResult, error) {
	var result NodeStatusResult
	raw, err := c.Call("node.status", nil)
	if err != nil {
		return result, err
	}
	return result, json.Unmarshal(raw, &result)
}

// Ping calls node.ping.
func (c *Client) Ping() (NodePingResult, error) {
	var result NodePingResult
	raw, err := c.Call("node.ping", nil)
	if err != nil {
		return result, err
	}
	return result, json.Unmarshal(raw, &result)
}

// Close releases the client's connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
