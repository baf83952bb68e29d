package firehose

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const subscribeReposPath = "/xrpc/com.atproto.sync.subscribeRepos"

// Source opens subscriptions to an upstream host.
type Source interface {
	// Subscribe starts a subscription after cursor, or at the live tail when cursor is nil.
	Subscribe(ctx context.Context, cursor *int64) (Subscription, error)
}

type Subscription interface {
	// Next blocks until the next frame arrives. An error wrapping ErrInvalidFrame only rejects that message;
	// any other error ends the subscription.
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// WebsocketSource subscribes over a websocket, the way upstream hosts serve the firehose.
type WebsocketSource struct {
	service string
	dialer  *websocket.Dialer
	header  http.Header
}

func NewWebsocketSource(service string, dialer *websocket.Dialer) *WebsocketSource {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebsocketSource{service: service, dialer: dialer, header: http.Header{}}
}

// SubscribeURL returns the subscription endpoint of service, translating http(s) schemes to ws(s).
func SubscribeURL(service string, cursor *int64) (string, error) {
	u, err := url.Parse(service)
	if err != nil {
		return "", errors.Wrapf(err, "parsing service url %q", service)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("unsupported service scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + subscribeReposPath
	if cursor != nil {
		q := u.Query()
		q.Set("cursor", strconv.FormatInt(*cursor, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (s *WebsocketSource) Subscribe(ctx context.Context, cursor *int64) (Subscription, error) {
	target, err := SubscribeURL(s.service, cursor)
	if err != nil {
		return nil, err
	}
	conn, resp, err := s.dialer.DialContext(ctx, target, s.header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dialing %s: status %s", target, resp.Status)
		}
		return nil, errors.Wrapf(err, "dialing %s", target)
	}
	return &websocketSubscription{conn: conn}, nil
}

type websocketSubscription struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (s *websocketSubscription) Next(ctx context.Context) (*Frame, error) {
	// ReadMessage does not take a context: closing the connection is the only way to interrupt it.
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrap(err, "reading subscription")
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		return DecodeFrame(msg)
	}
}

func (s *websocketSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
