package storeapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/romanborysenkov/IoT-Project/internal/httpapi"
	"github.com/romanborysenkov/IoT-Project/internal/model"
)

// subscribe upgrades to a websocket and streams new_data events for one user
// until either side goes away.
func (a *API) subscribe(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil {
		badParam(w, "user_id", err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Dashboards connect from other origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.CloseNow()

	sub := a.registry.Subscribe(userID, a.opts.SubscriberBuffer)
	defer a.registry.Unsubscribe(sub)

	logger := a.logger.With("user_id", userID)
	logger.Info("live subscriber connected")
	defer logger.Info("live subscriber disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Client frames are read and discarded; reading also services pongs.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(a.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind")
				return
			}
			if err := a.send(ctx, conn, ev); err != nil {
				logger.Debug("live event write failed", "error", err)
				return
			}
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, a.opts.WriteTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				logger.Debug("live heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (a *API) send(ctx context.Context, conn *websocket.Conn, ev model.Event) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// subscribers reports how many live feeds a user has open.
func (a *API) subscribers(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil {
		badParam(w, "user_id", err)
		return
	}
	httpapi.Write(w, http.StatusOK, map[string]any{"user_id": userID, "subscribers": a.registry.Count(userID)})
}
