package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/wsbridge/bus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// connHandler pumps events to and commands from a single client.
type connHandler struct {
	log   *zap.SugaredLogger
	conn  *websocket.Conn
	sub   *bus.Subscription
	input CommandSender

	closeConnOnce sync.Once
}

// run blocks until either direction ends, then cancels the other and releases the subscription and the conn.
func (h *connHandler) run(ctx context.Context) {
	defer h.sub.Close()

	// Both pumps only ever return non-nil errors, so the first one to finish cancels the other.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return h.forwardEvents(groupCtx) })
	group.Go(func() error { return h.forwardCommands(groupCtx) })
	err := group.Wait()

	switch {
	case websocket.CloseStatus(err) != -1:
		h.log.Debugw("client closed conn", "Status", websocket.CloseStatus(err))
		h.close(websocket.StatusNormalClosure, "")
	case ctx.Err() != nil:
		h.log.Debug("bridge shutting down, closing conn")
		h.close(websocket.StatusGoingAway, "bridge shutting down")
	default:
		h.log.Debugf("conn failed: %s", err)
		h.close(websocket.StatusInternalError, err.Error())
	}
}

func (h *connHandler) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	h.closeConnOnce.Do(func() {
		err := h.conn.Close(code, reason)
		if err != nil {
			h.log.Debugf("error closing conn: %s", err)
		}
	})
}

// forwardEvents writes every record from the subscription to the client as a text message.
func (h *connHandler) forwardEvents(ctx context.Context) error {
	for {
		record, err := h.sub.Recv(ctx)
		var lagged *bus.LaggedError
		switch {
		case errors.As(err, &lagged):
			h.log.Debugw("client fell behind, events dropped", "Missed", lagged.Missed)
			continue
		case errors.Is(err, bus.ErrClosed):
			// The worker is gone but the client may still send commands, so idle until the other direction ends.
			h.log.Debug("event stream ended")
			<-ctx.Done()
			return ctx.Err()
		case err != nil:
			return err
		}

		err = h.conn.Write(ctx, websocket.MessageText, []byte(record))
		if err != nil {
			return fmt.Errorf("writing event: %w", err)
		}
	}
}

// forwardCommands hands every text message from the client to the worker input.
func (h *connHandler) forwardCommands(ctx context.Context) error {
	for {
		typ, b, err := h.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading command: %w", err)
		}
		if typ != websocket.MessageText {
			h.log.Debugw("ignoring non-text message", "Type", typ, "Len", len(b))
			continue
		}
		h.input.Send(string(b))
	}
}
