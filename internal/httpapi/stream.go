package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 10 * time.Second

// ledgerMessage is one frame on the ledger stream. The first frames replay
// the current ledger with Type "snapshot"; later frames are "update".
type ledgerMessage struct {
	Type     string `json:"type"`
	Shipment any    `json:"shipment"`
}

// handleLedgerStream upgrades to a websocket and pushes ledger rows as they
// change. Browsers cannot set headers on the upgrade, so the token may also
// arrive as access_token.
func (s *Server) handleLedgerStream(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var authErr *authError
	if header := r.Header.Get("Authorization"); header != "" {
		_, authErr = authorizeBearer(header, s.cfg.JWTSecret, ScopeLedgerRead, time.Now().UTC())
	} else {
		_, authErr = authorizeToken(strings.TrimSpace(r.URL.Query().Get("access_token")), s.cfg.JWTSecret, ScopeLedgerRead, time.Now().UTC())
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	updates, unsubscribe := s.sync.Subscribe(64)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	entries, err := s.sync.Ledger().List(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "ledger unavailable")
		return
	}
	for _, entry := range entries {
		if err := writeFrame(ctx, conn, ledgerMessage{Type: "snapshot", Shipment: entry}); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case entry, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if err := writeFrame(ctx, conn, ledgerMessage{Type: "update", Shipment: entry}); err != nil {
				s.logger.Debug("ledger stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg ledgerMessage) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
