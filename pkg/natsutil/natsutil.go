// Package natsutil provides typed NATS publish/subscribe/request helpers
// with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// ErrorHeader carries a responder's error text back to the requester.
const ErrorHeader = "Docchat-Error"

// RemoteError is returned by Request when the responder reported a failure.
type RemoteError struct {
	Subject string
	Msg     string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s: remote: %s", e.Subject, e.Msg) }

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

func newMsg[T any](ctx context.Context, subject string, v T, hdr nats.Header) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	if len(hdr) > 0 {
		msg.Header = make(nats.Header, len(hdr))
		for k, vs := range hdr {
			msg.Header[k] = append([]string(nil), vs...)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	return PublishHeader(ctx, nc, subject, v, nil)
}

// PublishHeader is Publish with extra message headers.
func PublishHeader[T any](ctx context.Context, nc *nats.Conn, subject string, v T, hdr nats.Header) error {
	msg, err := newMsg(ctx, subject, v, hdr)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Subscribe registers a handler that deserializes JSON messages of type T.
// Trace context is extracted from NATS message headers and passed to the handler.
// Malformed messages are silently dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return SubscribeMsg(nc, subject, "", func(ctx context.Context, v T, _ *nats.Msg) {
		handler(ctx, v)
	})
}

// SubscribeMsg is Subscribe with access to the raw message (headers, reply
// subject). A non-empty queue joins a queue group.
func SubscribeMsg[T any](nc *nats.Conn, subject, queue string, handler func(context.Context, T, *nats.Msg)) (*nats.Subscription, error) {
	cb := func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return // drop malformed messages
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		handler(ctx, v, msg)
	}
	if queue != "" {
		return nc.QueueSubscribe(subject, queue, cb)
	}
	return nc.Subscribe(subject, cb)
}

// Handle answers JSON requests on subject. A handler error is sent back in
// ErrorHeader with an empty body.
func Handle[Req, Resp any](nc *nats.Conn, subject string, handler func(context.Context, Req) (Resp, error)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		reply := nats.NewMsg(msg.Reply)
		var req Req
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Header.Set(ErrorHeader, "malformed request: "+err.Error())
			_ = msg.RespondMsg(reply)
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		resp, err := handler(ctx, req)
		if err == nil {
			reply.Data, err = json.Marshal(resp)
		}
		if err != nil {
			reply.Data = nil
			reply.Header.Set(ErrorHeader, err.Error())
		}
		_ = msg.RespondMsg(reply)
	})
}

// Request sends a JSON-encoded request and decodes the response.
// Uses the ctx deadline when set, else nats.DefaultTimeout.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	msg, err := newMsg(ctx, subject, req, nil)
	if err != nil {
		return zero, err
	}
	var resp *nats.Msg
	if _, ok := ctx.Deadline(); ok {
		resp, err = nc.RequestMsgWithContext(ctx, msg)
	} else {
		resp, err = nc.RequestMsg(msg, nats.DefaultTimeout)
	}
	if err != nil {
		return zero, err
	}
	if e := resp.Header.Get(ErrorHeader); e != "" {
		return zero, &RemoteError{Subject: subject, Msg: e}
	}
	var result Resp
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return zero, err
	}
	return result, nil
}

// IsRemote reports whether err came from a responder rather than transport.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
