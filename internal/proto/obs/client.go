package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"overlay-bridge/internal/events"
	"overlay-bridge/internal/observability"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	eventBuffer      = 256
)

type DialOptions struct {
	Password           string
	EventSubscriptions int
	RequestTimeout     time.Duration
}

// Client is one identified obs-websocket session. It is safe for concurrent use; a
// failed session is never revived, Dial again instead.
type Client struct {
	ws             *websocket.Conn
	requestTimeout time.Duration
	tracer         trace.Tracer

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan response

	events chan Event

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func Dial(ctx context.Context, addr string, opts DialOptions) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: addr}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{"obswebsocket.json"},
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", events.ErrConnection, addr, err)
	}
	if err := handshake(ctx, ws, opts); err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := &Client{
		ws:             ws,
		requestTimeout: opts.RequestTimeout,
		tracer:         otel.Tracer("overlay-bridge/obs"),
		pending:        map[string]chan response{},
		events:         make(chan Event, eventBuffer),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func handshake(ctx context.Context, ws *websocket.Conn, opts DialOptions) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})

	var msg message
	if err := ws.ReadJSON(&msg); err != nil {
		return fmt.Errorf("%w: read hello: %v", events.ErrConnection, err)
	}
	if msg.Op != OpHello {
		return fmt.Errorf("%w: expected hello, got op %d", events.ErrProtocol, msg.Op)
	}
	var h hello
	if err := json.Unmarshal(msg.D, &h); err != nil {
		return fmt.Errorf("%w: decode hello: %v", events.ErrProtocol, err)
	}

	subs := opts.EventSubscriptions
	if subs == 0 {
		subs = SubAll
	}
	id := identify{RPCVersion: RPCVersion, EventSubscriptions: subs}
	if h.Authentication != nil {
		if opts.Password == "" {
			return fmt.Errorf("%w: %w", events.ErrConnection, ErrMissingCredential)
		}
		id.Authentication = authResponse(opts.Password, h.Authentication.Salt, h.Authentication.Challenge)
	}
	out, err := encode(OpIdentify, id)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(out); err != nil {
		return fmt.Errorf("%w: write identify: %v", events.ErrConnection, err)
	}

	if err := ws.ReadJSON(&msg); err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			switch ce.Code {
			case CloseAuthenticationFailed:
				return fmt.Errorf("%w: %w", events.ErrConnection, ErrAuthFailed)
			case CloseUnsupportedRPCVersion:
				return fmt.Errorf("%w: %w", events.ErrConnection, ErrUnsupportedRPC)
			}
		}
		return fmt.Errorf("%w: read identified: %v", events.ErrConnection, err)
	}
	if msg.Op != OpIdentified {
		return fmt.Errorf("%w: expected identified, got op %d", events.ErrProtocol, msg.Op)
	}
	var ok identified
	_ = json.Unmarshal(msg.D, &ok)
	slog.Debug("obs identified", "obs_websocket_version", h.OBSWebSocketVersion, "rpc_version", ok.NegotiatedRPCVersion)
	return nil
}

// Events yields server-pushed events. It is never closed; watch Done.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the session ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is why the session ended. Valid after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) Close() error {
	c.shutdown(ErrClientClosed)
	return nil
}

// Request sends requestType and decodes responseData into out when out is non-nil.
func (c *Client) Request(ctx context.Context, requestType string, data any, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "obs "+requestType, trace.WithAttributes(attribute.String("obs.request_type", requestType)))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.OBSRequests.WithLabelValues(requestType, result).Inc()
		span.End()
	}()

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	select {
	case <-c.done:
		return c.err
	default:
	}

	id := uuid.NewString()
	msg, err := encode(OpRequest, request{Type: requestType, ID: id, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", requestType, err)
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	werr := c.ws.WriteJSON(msg)
	c.writeMu.Unlock()
	if werr != nil {
		werr = fmt.Errorf("%w: write %s: %v", events.ErrConnection, requestType, werr)
		c.shutdown(werr)
		return werr
	}

	select {
	case resp := <-ch:
		if !resp.Status.Result {
			return &RequestError{Type: requestType, Code: resp.Status.Code, Comment: resp.Status.Comment}
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("%w: decode %s response: %v", events.ErrProtocol, requestType, err)
			}
		}
		return nil
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return fmt.Errorf("obs %s: %w", requestType, ctx.Err())
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: read: %v", events.ErrConnection, err))
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("obs message skipped", "error", err)
			continue
		}
		switch msg.Op {
		case OpEvent:
			var ev Event
			if err := json.Unmarshal(msg.D, &ev); err != nil {
				slog.Warn("obs event skipped", "error", err)
				continue
			}
			select {
			case c.events <- ev:
			default:
				slog.Warn("obs event dropped", "event_type", ev.Type)
			}
		case OpRequestResponse:
			var resp response
			if err := json.Unmarshal(msg.D, &resp); err != nil {
				slog.Warn("obs response skipped", "error", err)
				continue
			}
			c.mu.Lock()
			ch := c.pending[resp.ID]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- resp:
				default:
				}
			}
		default:
			slog.Debug("obs message ignored", "op", msg.Op)
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}
