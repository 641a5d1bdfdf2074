package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	out := new(StatusResponse)
	return out, c.invoke(ctx, "GetStatus", &Empty{}, out)
}

func (c *Client) Connect(ctx context.Context, sector string) (*StatusResponse, error) {
	out := new(StatusResponse)
	return out, c.invoke(ctx, "Connect", &ConnectRequest{Sector: sector}, out)
}

func (c *Client) Disconnect(ctx context.Context) (*StatusResponse, error) {
	out := new(StatusResponse)
	return out, c.invoke(ctx, "Disconnect", &Empty{}, out)
}

func (c *Client) ListContacts(ctx context.Context) (*ContactsResponse, error) {
	out := new(ContactsResponse)
	return out, c.invoke(ctx, "ListContacts", &Empty{}, out)
}

func (c *Client) RefreshContacts(ctx context.Context) (*ContactsResponse, error) {
	out := new(ContactsResponse)
	return out, c.invoke(ctx, "RefreshContacts", &Empty{}, out)
}

func (c *Client) GetUnread(ctx context.Context) (*UnreadResponse, error) {
	out := new(UnreadResponse)
	return out, c.invoke(ctx, "GetUnread", &Empty{}, out)
}

func (c *Client) OpenConversation(ctx context.Context, id int64) (*PageResponse, error) {
	out := new(PageResponse)
	return out, c.invoke(ctx, "OpenConversation", &OpenRequest{ConversationID: id}, out)
}

func (c *Client) LoadOlder(ctx context.Context) (*PageResponse, error) {
	out := new(PageResponse)
	return out, c.invoke(ctx, "LoadOlder", &Empty{}, out)
}

func (c *Client) ListMessages(ctx context.Context) (*MessagesResponse, error) {
	out := new(MessagesResponse)
	return out, c.invoke(ctx, "ListMessages", &Empty{}, out)
}

func (c *Client) SendMessage(ctx context.Context, body string) (*SendResponse, error) {
	out := new(SendResponse)
	return out, c.invoke(ctx, "SendMessage", &SendRequest{Body: body}, out)
}

func (c *Client) RetryMessage(ctx context.Context, tempID string) (*SendResponse, error) {
	out := new(SendResponse)
	return out, c.invoke(ctx, "RetryMessage", &RetryRequest{TempID: tempID}, out)
}

func (c *Client) MarkRead(ctx context.Context, id int64) error {
	return c.invoke(ctx, "MarkRead", &ReadRequest{ConversationID: id}, &Empty{})
}

// EventStream receives events from WatchEvents.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event. It returns io.EOF when the daemon ends the stream.
func (s *EventStream) Recv() (*Event, error) {
	evt := new(Event)
	if err := s.stream.RecvMsg(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// WatchEvents subscribes to events whose kind starts with one of prefixes.
func (c *Client) WatchEvents(ctx context.Context, prefixes ...string) (*EventStream, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("WatchEvents"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&WatchRequest{Prefixes: prefixes}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
