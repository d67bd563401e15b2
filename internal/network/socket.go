package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/skipchain/internal/codec"
	"github.com/kjstillabower/skipchain/internal/roster"
)

const (
	ContentType         = "application/cbor"
	HeaderMessageType   = "X-Message-Type"
	HeaderCorrelationID = "X-Correlation-ID"
)

// Socket sends messages to a single conode.
type Socket struct {
	si      *roster.ServerIdentity
	service string
	opts    options
}

// NewSocket returns a socket to si for the given service.
func NewSocket(si *roster.ServerIdentity, service string, opts ...Option) *Socket {
	return newSocket(si, service, newOptions(opts))
}

func newSocket(si *roster.ServerIdentity, service string, o options) *Socket {
	return &Socket{si: si, service: service, opts: o}
}

// Identity returns the node the socket talks to.
func (s *Socket) Identity() *roster.ServerIdentity {
	return s.si
}

// EndpointURL returns the URL of message on the node at address.
func EndpointURL(address, service, message string) string {
	base := address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/") + "/" + service + "/" + message
}

// Send posts req as message request and decodes the reply, which must be of
// type response, into reply.
func (s *Socket) Send(ctx context.Context, request, response string, req, reply any) error {
	start := time.Now()
	err := s.send(ctx, request, response, req, reply)
	outcome := "success"
	if err != nil {
		outcome = string(CategorizeError(err))
	}
	s.opts.logger.Debug("socket send",
		zap.String("node", s.si.Address),
		zap.String("message", request),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)))
	return err
}

func (s *Socket) send(ctx context.Context, request, response string, req, reply any) error {
	body, err := codec.Encode(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", request, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, EndpointURL(s.si.Address, s.service, request), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", ContentType)
	httpReq.Header.Set("Accept", ContentType)
	if corrID := CorrelationID(ctx); corrID != "" {
		httpReq.Header.Set(HeaderCorrelationID, corrID)
	}

	resp, err := s.opts.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("request timeout after %s: %w", s.opts.timeout, err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		se := &ServiceError{Address: s.si.Address, Status: resp.StatusCode}
		var er ErrorReply
		if err := codec.Decode(data, &er); err == nil {
			se.Code, se.Message = er.Code, er.Message
		} else {
			se.Message = http.StatusText(resp.StatusCode)
		}
		return se
	}

	if got := resp.Header.Get(HeaderMessageType); got != response {
		return fmt.Errorf("%w: got %q, want %q", ErrUnexpectedReply, got, response)
	}

	if v := reflect.ValueOf(reply); v.Kind() == reflect.Pointer && !v.IsNil() {
		v.Elem().Set(reflect.Zero(v.Elem().Type()))
	}
	if err := codec.Decode(data, reply); err != nil {
		return fmt.Errorf("decode %s: %w", response, err)
	}
	return nil
}
