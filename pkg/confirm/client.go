// Package confirm streams transaction status notifications over a Geyser
// gRPC subscription. It is the fast confirmation path for the submission
// pipeline: instead of waiting for the next scheduled status poll, a
// subscriber learns about a landed transaction as soon as the node emits
// the status update.
//
// The client speaks the Yellowstone subscribe protocol directly through
// raw gRPC streams with hand-written proto-tagged messages, restricted to
// the transaction-status subset. It reconnects with exponential backoff
// and replays the active signature filters after every reconnect, so
// in-flight subscriptions survive connection loss.
package confirm

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/Leeyle/meteora2-sub004/pkg/txpipeline"
)

// Client errors.
var (
	ErrNotConnected  = errors.New("confirm stream not connected")
	ErrClosed        = errors.New("confirm stream closed")
	ErrStreamClosed  = errors.New("confirm stream disconnected")
	ErrMaxReconnects = errors.New("max reconnection attempts reached")
)

// Client is a Geyser gRPC client restricted to transaction status
// subscriptions. It satisfies txpipeline.StatusStream.
type Client struct {
	config Config

	conn   *grpc.ClientConn
	stream *statusStream

	mu          sync.Mutex
	subscribers map[string]chan txpipeline.SignatureUpdate

	connected      atomic.Bool
	closed         atomic.Bool
	reconnectCount atomic.Int32
	pingID         atomic.Int32
	cancelFunc     context.CancelFunc
	wg             sync.WaitGroup

	ctx context.Context
}

// statusStream wraps a raw gRPC bidirectional stream.
type statusStream struct {
	stream grpc.ClientStream

	// sendMu serializes SendMsg. grpc.ClientStream permits only one
	// concurrent sender, and filter resends arrive from subscriber
	// goroutines while pingLoop is also sending.
	sendMu sync.Mutex
}

func (s *statusStream) Send(req *subscribeRequest) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.SendMsg(req)
}

func (s *statusStream) Recv() (*subscribeUpdate, error) {
	update := &subscribeUpdate{}
	if err := s.stream.RecvMsg(update); err != nil {
		return nil, err
	}
	return update, nil
}

func (s *statusStream) CloseSend() error {
	return s.stream.CloseSend()
}

// subscribeRequest is the Yellowstone SubscribeRequest restricted to the
// fields this client uses. Defined by hand to avoid a proto generation
// step for a three-field message.
type subscribeRequest struct {
	TransactionsStatus map[string]*transactionsFilter `protobuf:"bytes,4,rep,name=transactions_status"`
	Commitment         *int32                         `protobuf:"varint,8,opt,name=commitment"`
	Ping               *pingRequest                   `protobuf:"bytes,10,opt,name=ping"`
}

func (x *subscribeRequest) Reset()         { *x = subscribeRequest{} }
func (x *subscribeRequest) String() string { return fmt.Sprintf("%+v", *x) }
func (x *subscribeRequest) ProtoMessage()  {}

type transactionsFilter struct {
	Vote      *bool   `protobuf:"varint,1,opt,name=vote"`
	Failed    *bool   `protobuf:"varint,2,opt,name=failed"`
	Signature *string `protobuf:"bytes,3,opt,name=signature"`
}

type pingRequest struct {
	ID int32 `protobuf:"varint,1,opt,name=id"`
}

// subscribeUpdate is the Yellowstone SubscribeUpdate restricted to the
// variants this client consumes.
type subscribeUpdate struct {
	Filters           []string                 `protobuf:"bytes,1,rep,name=filters"`
	TransactionStatus *transactionStatusUpdate `protobuf:"bytes,10,opt,name=transaction_status"`
	Ping              *pingUpdate              `protobuf:"bytes,9,opt,name=ping"`
	Pong              *pongUpdate              `protobuf:"bytes,11,opt,name=pong"`
}

func (x *subscribeUpdate) Reset()         { *x = subscribeUpdate{} }
func (x *subscribeUpdate) String() string { return fmt.Sprintf("%+v", *x) }
func (x *subscribeUpdate) ProtoMessage()  {}

type transactionStatusUpdate struct {
	Slot      uint64            `protobuf:"varint,1,opt,name=slot"`
	Signature string            `protobuf:"bytes,2,opt,name=signature"`
	IsVote    bool              `protobuf:"varint,3,opt,name=is_vote"`
	Index     uint64            `protobuf:"varint,4,opt,name=index"`
	Err       *transactionError `protobuf:"bytes,5,opt,name=err"`
}

type transactionError struct {
	Err []byte `protobuf:"bytes,1,opt,name=err"`
}

type pingUpdate struct{}

type pongUpdate struct {
	ID int32 `protobuf:"varint,1,opt,name=id"`
}

// NewClient creates a new status stream client. The client is not
// connected until Connect() is called.
func NewClient(config Config) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		config:      config,
		subscribers: make(map[string]chan txpipeline.SignatureUpdate),
	}, nil
}

// Connect establishes the gRPC connection and starts the receive loop.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.ctx = ctx

	if err := c.connect(ctx); err != nil {
		cancel()
		return err
	}

	c.wg.Add(2)
	go c.receiveLoop()
	go c.pingLoop()

	c.connected.Store(true)
	return nil
}

// connect dials the server and opens the subscribe stream.
func (c *Client) connect(ctx context.Context) error {
	kacp := keepalive.ClientParameters{
		Time:                c.config.KeepaliveTime,
		Timeout:             c.config.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.config.MaxMessageSize),
		),
	}

	if c.config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if c.config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      c.config.ExpandedToken(),
			requireTLS: c.config.UseTLS,
		}))
	}

	//nolint:staticcheck // Using Dial for compatibility with older gRPC versions
	conn, err := grpc.Dial(c.config.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial gRPC: %w", err)
	}
	c.conn = conn

	md := metadata.New(c.config.Headers)
	streamCtx := metadata.NewOutgoingContext(ctx, md)

	streamDesc := &grpc.StreamDesc{
		StreamName:    "Subscribe",
		ServerStreams: true,
		ClientStreams: true,
	}

	stream, err := conn.NewStream(streamCtx, streamDesc, "/geyser.Geyser/Subscribe")
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create stream: %w", err)
	}
	c.mu.Lock()
	c.stream = &statusStream{stream: stream}
	c.mu.Unlock()

	if err := c.sendFilters(); err != nil {
		stream.CloseSend()
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	return nil
}

// sendFilters sends the full current filter set. The server replaces its
// filter state with each request, so every change resends everything.
func (c *Client) sendFilters() error {
	commitment := int32(c.config.Commitment)
	req := &subscribeRequest{
		Commitment:         &commitment,
		TransactionsStatus: make(map[string]*transactionsFilter),
	}

	c.mu.Lock()
	stream := c.stream
	for sig := range c.subscribers {
		signature := sig
		req.TransactionsStatus[sig] = &transactionsFilter{
			Vote:      boolPtr(false),
			Failed:    boolPtr(true),
			Signature: &signature,
		}
	}
	c.mu.Unlock()

	if stream == nil {
		return ErrNotConnected
	}
	return stream.Send(req)
}

// Subscribe registers interest in a signature and returns a channel that
// receives its status updates, plus a cancel function. Satisfies
// txpipeline.StatusStream. Subscribing while disconnected still succeeds:
// the filter is replayed on reconnect.
func (c *Client) Subscribe(signature string) (<-chan txpipeline.SignatureUpdate, func()) {
	ch := make(chan txpipeline.SignatureUpdate, c.config.UpdateBuffer)

	c.mu.Lock()
	c.subscribers[signature] = ch
	c.mu.Unlock()

	if c.connected.Load() {
		// A failed send means a broken stream; the receive loop notices
		// and reconnects, which replays the filter.
		_ = c.sendFilters()
	}

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subscribers[signature]; ok {
			delete(c.subscribers, signature)
		}
		c.mu.Unlock()

		if c.connected.Load() && !c.closed.Load() {
			_ = c.sendFilters()
		}
	}
	return ch, cancel
}

// receiveLoop continuously receives updates from the stream. Each loop
// instance serves exactly one connection: the stream is pinned at start
// so a concurrent reconnect never swaps it mid-receive.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		update, err := stream.Recv()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if err == io.EOF {
				err = ErrStreamClosed
			}
			c.handleDisconnect(err)
			return
		}

		c.processUpdate(update)
	}
}

// processUpdate dispatches a status update to its subscriber.
func (c *Client) processUpdate(update *subscribeUpdate) {
	if update == nil || update.TransactionStatus == nil {
		return
	}
	st := update.TransactionStatus

	var onChainErr json.RawMessage
	if st.Err != nil && len(st.Err.Err) > 0 {
		// The node serializes the error; forward it opaque.
		encoded, err := json.Marshal(string(st.Err.Err))
		if err == nil {
			onChainErr = encoded
		}
	}

	c.mu.Lock()
	ch, ok := c.subscribers[st.Signature]
	c.mu.Unlock()
	if !ok {
		return
	}

	// Never block the receive loop on a slow subscriber.
	select {
	case ch <- txpipeline.SignatureUpdate{Slot: st.Slot, Err: onChainErr}:
	default:
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.connected.Load() {
				return
			}
			req := &subscribeRequest{
				Ping: &pingRequest{ID: c.pingID.Add(1)},
			}
			c.mu.Lock()
			stream := c.stream
			c.mu.Unlock()
			if stream == nil {
				continue
			}
			// A failed ping surfaces in the receive loop.
			_ = stream.Send(req)
		}
	}
}

// handleDisconnect tears down the current connection and starts the
// reconnect loop unless the client is closed.
func (c *Client) handleDisconnect(err error) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}

	if c.config.OnDisconnect != nil {
		c.config.OnDisconnect(err)
	}

	if c.stream != nil {
		c.stream.CloseSend()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	if !c.closed.Load() {
		go c.reconnect()
	}
}

// reconnect retries the connection with exponential backoff, replaying
// the active signature filters on success.
func (c *Client) reconnect() {
	backoff := c.config.ReconnectMinDelay
	attempt := 0

	for !c.closed.Load() {
		attempt++
		c.reconnectCount.Add(1)

		if c.config.MaxReconnects > 0 && attempt > c.config.MaxReconnects {
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancelFunc = cancel
		c.ctx = ctx
		c.mu.Unlock()

		if err := c.connect(ctx); err != nil {
			backoff = minDuration(backoff*2, c.config.ReconnectMaxDelay)
			continue
		}

		c.connected.Store(true)

		c.wg.Add(2)
		go c.receiveLoop()
		go c.pingLoop()

		if c.config.OnReconnect != nil {
			c.config.OnReconnect(attempt)
		}
		return
	}
}

// Connected reports whether the stream is currently established.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// ReconnectCount returns how many reconnection attempts have been made.
func (c *Client) ReconnectCount() int {
	return int(c.reconnectCount.Load())
}

// Close closes the client and releases all resources.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}

	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()

	if c.stream != nil {
		c.stream.CloseSend()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.mu.Lock()
	for sig, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, sig)
	}
	c.mu.Unlock()

	return nil
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"x-token": t.token,
	}, nil
}

func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}

func boolPtr(b bool) *bool {
	return &b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
