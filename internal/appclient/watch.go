package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/alarmsync/internal/api"
)

var (
	ErrWatchPayloadInvalid = errors.New("watch payload invalid")
	// ErrWatchDropped marks a watch that could not connect or lost its connection.
	ErrWatchDropped = errors.New("watch connection dropped")
)

type WatchLoopOptions struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
}

func (c *Client) dialer() *websocket.Dialer {
	d := &websocket.Dialer{HandshakeTimeout: c.unaryTimeout}
	if c.socketPath != "" {
		socketPath := c.socketPath
		d.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, "unix", socketPath)
		}
	}
	return d
}

func (c *Client) watchURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/v1/watch"
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/v1/watch"
	default:
		return c.baseURL + "/v1/watch"
	}
}

// Watch reads frames from /v1/watch until ctx is done, the daemon closes the stream or
// onEvent returns an error.
func (c *Client) Watch(ctx context.Context, onEvent func(api.WatchEvent) error) error {
	conn, resp, err := c.dialer().DialContext(ctx, c.watchURL(), nil)
	if err != nil {
		if resp != nil {
			return &RequestError{StatusCode: resp.StatusCode, Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: err.Error()}
		}
		return fmt.Errorf("%w: dial: %v", ErrWatchDropped, err)
	}
	defer conn.Close() //nolint:errcheck

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var ev api.WatchEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				return fmt.Errorf("%w: decode watch frame: %v", ErrWatchPayloadInvalid, err)
			}
			return fmt.Errorf("%w: read: %v", ErrWatchDropped, err)
		}
		if onEvent == nil {
			continue
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
}

// WatchLoop keeps a watch open, reconnecting with backoff when the daemon drops it.
func (c *Client) WatchLoop(ctx context.Context, opts WatchLoopOptions, onEvent func(api.WatchEvent) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		started := time.Now()
		err := c.Watch(ctx, onEvent)
		if opts.Once || errors.Is(err, ErrWatchPayloadInvalid) {
			return err
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var reqErr *RequestError
			switch {
			case errors.As(err, &reqErr):
				if !reqErr.Retryable() {
					return err
				}
			case !errors.Is(err, ErrWatchDropped):
				return err
			}
		}
		if time.Since(started) > maxBackoff {
			backoff = minBackoff
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
