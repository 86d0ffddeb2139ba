package stream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/metrics"
	"github.com/emperorhan/block-indexer/internal/pipeline/retry"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	DefaultReceiveTimeout = 600 * time.Second
	defaultMaxRecvMsgSize = 64 * 1024 * 1024
)

var ErrNotConnected = errors.New("stream not connected")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	Endpoint       string
	Token          string
	ReceiveTimeout time.Duration
	MaxRecvMsgSize int
}

type Option func(*Client)

// WithDialOptions appends gRPC dial options, e.g. a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) {
		c.dialOpts = append(c.dialOpts, opts...)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client consumes the server-streamed block subscription. It holds at most
// one open stream; any receive failure closes it and the caller reconnects.
type Client struct {
	cfg      Config
	dialOpts []grpc.DialOption
	logger   *slog.Logger
	conn     *grpc.ClientConn
	decoder  *zstd.Decoder
	state    atomic.Int32

	mu        sync.Mutex
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	indexerID string
	network   string
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("stream endpoint is required")
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.MaxRecvMsgSize <= 0 {
		cfg.MaxRecvMsgSize = defaultMaxRecvMsgSize
	}

	c := &Client{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "stream_client")

	target, creds := resolveTarget(cfg.Endpoint)
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxRecvMsgSize),
			grpc.CallContentSubtype(codecName),
		),
	}, c.dialOpts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create stream client: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	c.conn = conn
	c.decoder = decoder
	return c, nil
}

// resolveTarget strips the URL scheme. https endpoints use TLS.
func resolveTarget(endpoint string) (string, credentials.TransportCredentials) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), insecure.NewCredentials()
	default:
		return endpoint, insecure.NewCredentials()
	}
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	if c.indexerID != "" {
		metrics.StreamState.WithLabelValues(c.indexerID, c.network).Set(float64(s))
	}
}

// Connect opens a subscription and waits for the server to accept it. Any
// stream already open is dropped first.
func (c *Client) Connect(ctx context.Context, req SubscribeRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeStreamLocked()
	c.indexerID = req.IndexerID
	c.network = req.Network
	c.setState(StateConnecting)

	streamCtx, cancel := context.WithCancel(ctx)
	if c.cfg.Token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+c.cfg.Token)
	}

	stream, err := c.conn.NewStream(streamCtx, &listBlocksDesc, listBlocksMethod)
	if err == nil {
		err = stream.SendMsg(&req)
	}
	if err == nil {
		err = stream.CloseSend()
	}
	if err == nil {
		var timedOut, torn bool
		timedOut, torn, err = c.guarded(ctx, cancel, func() error { return awaitHeader(stream) })
		switch {
		case err != nil && timedOut:
			err = fmt.Errorf("no acknowledgement within %s: %w", c.cfg.ReceiveTimeout, err)
		case err == nil && torn:
			err = errors.New("subscription canceled before it was acknowledged")
		}
	}
	if err != nil {
		cancel()
		c.setState(StateDisconnected)
		metrics.StreamConnectsTotal.WithLabelValues(req.IndexerID, req.Network, "error").Inc()
		return &retry.ConnectionError{Op: "subscribe", Err: err}
	}

	c.stream = stream
	c.cancel = cancel
	c.setState(StateStreaming)
	metrics.StreamConnectsTotal.WithLabelValues(req.IndexerID, req.Network, "ok").Inc()

	start := "head"
	if req.StartBlockNumber != nil {
		start = fmt.Sprintf("%d", *req.StartBlockNumber)
	}
	c.logger.Info("stream subscribed", "indexer", req.IndexerID, "network", req.Network, "start_block", start)
	return nil
}

// Recv waits for the next batch, bounded by the receive timeout. Timeouts
// and transport failures drop the stream; a malformed payload does not.
func (c *Client) Recv(ctx context.Context) (model.BlockBatch, error) {
	c.mu.Lock()
	stream, cancel := c.stream, c.cancel
	c.mu.Unlock()
	if stream == nil {
		return nil, &retry.ConnectionError{Op: "recv", Err: ErrNotConnected}
	}

	resp := new(BlockResponse)
	timedOut, torn, err := c.guarded(ctx, cancel, func() error { return stream.RecvMsg(resp) })
	if err != nil {
		c.disconnect(stream)
		switch {
		case timedOut:
			c.recordRecvError("timeout")
			return nil, &retry.TimeoutError{Op: "recv", Err: fmt.Errorf("no batch within %s: %w", c.cfg.ReceiveTimeout, err)}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, io.EOF):
			c.recordRecvError("eof")
			return nil, &retry.ConnectionError{Op: "recv", Err: fmt.Errorf("stream closed by server: %w", err)}
		default:
			c.recordRecvError("transport")
			return nil, &retry.ConnectionError{Op: "recv", Err: err}
		}
	}

	if torn {
		// The message arrived but the stream was canceled right behind it.
		c.disconnect(stream)
	}

	batch, err := c.decode(resp)
	if err != nil {
		c.recordRecvError("decode")
		return nil, &retry.DecodeError{BlockNumber: resp.BlockNumber, Err: err}
	}
	metrics.StreamBatchesReceived.WithLabelValues(c.indexerID, c.network).Inc()
	return batch, nil
}

// guarded runs fn and cancels the stream if the receive timeout elapses or
// ctx ends first. torn reports that the cancel ran, which leaves the stream
// unusable even when fn succeeded.
func (c *Client) guarded(ctx context.Context, cancel context.CancelFunc, fn func() error) (timedOut, torn bool, err error) {
	timer := time.AfterFunc(c.cfg.ReceiveTimeout, cancel)
	stopAfter := context.AfterFunc(ctx, cancel)

	err = fn()
	timedOut = !timer.Stop()
	canceled := !stopAfter()
	return timedOut, timedOut || canceled, err
}

// awaitHeader waits for the response headers the server sends once it has
// accepted the subscription. A stream that ends without them carries the
// rejection in its status.
func awaitHeader(stream grpc.ClientStream) error {
	md, err := stream.Header()
	if err != nil {
		return err
	}
	if md == nil {
		if err := stream.RecvMsg(new(BlockResponse)); err != nil {
			return fmt.Errorf("stream ended before acknowledging the subscription: %w", err)
		}
		return errors.New("stream ended before acknowledging the subscription")
	}
	return nil
}

func (c *Client) recordRecvError(kind string) {
	metrics.StreamReceiveErrors.WithLabelValues(c.indexerID, c.network, kind).Inc()
}

func (c *Client) decode(resp *BlockResponse) (model.BlockBatch, error) {
	if resp.DataType != "" && resp.DataType != DataTypeBlock {
		return nil, fmt.Errorf("unsupported data type %q", resp.DataType)
	}

	payload := resp.Payload
	switch resp.Compression {
	case "":
	case CompressionZstd:
		decoded, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		payload = decoded
	default:
		return nil, fmt.Errorf("unsupported compression %q", resp.Compression)
	}

	batch, err := decodeBlocks(payload)
	if err != nil {
		return nil, err
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}

// decodeBlocks accepts either a single block object or an array of blocks.
func decodeBlocks(payload []byte) (model.BlockBatch, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, model.ErrEmptyBatch
	}
	if trimmed[0] == '[' {
		var blocks model.BlockBatch
		if err := json.Unmarshal(trimmed, &blocks); err != nil {
			return nil, fmt.Errorf("unmarshal blocks: %w", err)
		}
		return blocks, nil
	}
	var block model.Block
	if err := json.Unmarshal(trimmed, &block); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}
	return model.BlockBatch{block}, nil
}

func (c *Client) disconnect(stream grpc.ClientStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == stream {
		c.closeStreamLocked()
	}
}

func (c *Client) closeStreamLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.stream = nil
	c.cancel = nil
	c.setState(StateDisconnected)
}

// Close drops the stream and the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closeStreamLocked()
	c.mu.Unlock()
	c.decoder.Close()
	return c.conn.Close()
}
