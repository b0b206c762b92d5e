package client

import (
	"context"
	"os"

	"murmur/net/crpc"
	"murmur/swarm/protocol"
)

// Client talks to a running node's control plane.
type Client struct {
	client *crpc.Client
}

func Dial(ctx context.Context, address string) (*Client, error) {
	c, err := crpc.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Peers returns the node's identity and its current membership.
func (c *Client) Peers(ctx context.Context) (*protocol.PeersResponse, error) {
	host, _ := os.Hostname()
	req := &protocol.PeersRequest{Requester: host}
	res := &protocol.PeersResponse{}
	if err := c.client.Call(ctx, "Server.Peers", req, res); err != nil {
		return nil, err
	}
	return res, nil
}
