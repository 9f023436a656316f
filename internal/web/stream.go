package web

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamBuffer = 32

// Stream upgrades to a websocket and writes every bus event as a JSON text
// message until the peer goes away. Slow clients lose events rather than
// holding up the publisher.
func (api *Api) Stream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		api.log.Error().Err(err).Msg("Error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "unhandled error")

	sub := api.bus.Subscribe(streamBuffer)
	defer api.bus.Unsubscribe(sub)
	api.log.Info().Str("remote", r.RemoteAddr).Msg("websocket stream opened")

	// nothing is expected from the client, reading only tracks its close
	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			api.log.Info().Str("remote", r.RemoteAddr).Msg("websocket stream closed")
			c.Close(websocket.StatusNormalClosure, "")
			return
		case e := <-sub.Events():
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(wctx, c, e)
			cancel()
			if err != nil {
				api.log.Error().Err(err).Msg("Error while writing to connection")
				return
			}
		}
	}
}
