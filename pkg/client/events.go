package client

import (
	"context"
	"net"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/panlab/ptcal/pkg/events"
)

const handshakeTimeout = 5 * time.Second

// WatchEvents streams daemon events to fn until ctx is done, fn returns an
// error or the daemon closes the connection. It returns nil when ctx ends
// the stream.
func (c *Client) WatchEvents(ctx context.Context, fn func(events.Event) error) error {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialUnix(ctx, c.socketPath)
		},
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, "ws://unix/events", nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if resp != nil {
			return pkgerrors.Wrapf(err, "failed to subscribe to events: got %d", resp.StatusCode)
		}
		return pkgerrors.Wrapf(err, "failed to subscribe to events")
	}
	defer conn.Close()
	logrus.WithField("unix", c.socketPath).Debug("subscribed to events")

	// Unblock ReadJSON when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return pkgerrors.Wrapf(err, "failed to read event")
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
