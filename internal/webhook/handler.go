package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"margin_relay/internal/core"
	apperrors "margin_relay/pkg/errors"
)

type detailResponse struct {
	Detail string `json:"detail"`
}

type ackResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

type positionsResponse struct {
	Status string       `json:"status"`
	Result positionList `json:"result"`
}

type positionList struct {
	List []core.Position `json:"list"`
}

// requiredFields are checked in this order; the 400 response names the first
// one absent.
var requiredFields = [4]string{"symbol", "side", "action", "category"}

// handleWebhook runs the command state machine for one inbound signal:
// authenticate, parse, execute, then invalidate and acknowledge.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	w.Header().Set("X-Request-ID", requestID)
	logger := s.logger.WithField("request_id", requestID)

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, detailResponse{Detail: "Method not allowed"})
		return
	}

	if !s.allowRequest(r) {
		logger.Warn("Webhook rate limit exceeded", "remote_addr", r.RemoteAddr)
		s.metrics.RecordWebhookCommand(r.Context(), "unknown", "rate_limited")
		writeJSON(w, http.StatusTooManyRequests, detailResponse{Detail: "Too many requests"})
		return
	}

	if !s.authorize(r) {
		logger.Warn("Webhook authentication failed", "remote_addr", r.RemoteAddr)
		s.metrics.RecordWebhookCommand(r.Context(), "unknown", "unauthorized")
		writeJSON(w, http.StatusUnauthorized, detailResponse{Detail: "Invalid webhook secret"})
		return
	}

	cmd, settleCoin, vErr := parseCommand(r)
	if vErr != nil {
		logger.Warn("Webhook payload rejected", "detail", vErr.Message)
		s.metrics.RecordWebhookCommand(r.Context(), "unknown", "invalid")
		writeJSON(w, http.StatusBadRequest, detailResponse{Detail: vErr.Message})
		return
	}

	action := "disable"
	if cmd.Enable {
		action = "enable"
	}
	logger = logger.WithFields(map[string]interface{}{
		"symbol":   cmd.Symbol,
		"side":     string(cmd.Side),
		"category": string(cmd.Category),
		"action":   action,
	})
	if settleCoin != "" {
		// Accepted for signal compatibility; the command itself is keyed by
		// symbol and side only.
		logger.Debug("Ignoring settleCoin in command payload", "settle_coin", settleCoin)
	}

	result, err := s.setter.SetAutoAddMargin(r.Context(), cmd)
	if err != nil {
		logger.Error("Margin command failed", "error", err)
		s.metrics.RecordWebhookCommand(r.Context(), action, "error")
		writeJSON(w, http.StatusInternalServerError, detailResponse{Detail: err.Error()})
		return
	}

	s.reader.InvalidateAll()
	if s.refresher != nil {
		s.refresher.RefreshNow()
	}
	s.hub.BroadcastCommand(core.CommandEvent{
		RequestID: requestID,
		Category:  cmd.Category,
		Symbol:    cmd.Symbol,
		Side:      cmd.Side,
		Enable:    cmd.Enable,
		RetCode:   result.RetCode,
		RetMsg:    result.RetMsg,
	})
	s.metrics.RecordWebhookCommand(r.Context(), action, "ok")
	logger.Info("Margin command executed", "ret_code", result.RetCode)

	writeJSON(w, http.StatusOK, ackResponse{Status: "ok", Result: result.Raw})
}

// parseCommand validates the webhook payload and normalizes it into a
// MarginCommand. Field presence is checked in a fixed order so the error
// always names the first missing field. Unknown action values are rejected,
// never coerced.
func parseCommand(r *http.Request) (core.MarginCommand, string, *apperrors.ValidationError) {
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return core.MarginCommand{}, "", &apperrors.ValidationError{Field: "body", Message: "Invalid JSON body"}
	}

	fields := make(map[string]string, len(requiredFields))
	for _, field := range requiredFields {
		raw, ok := payload[field]
		if !ok {
			return core.MarginCommand{}, "", &apperrors.ValidationError{Field: field, Message: "Missing " + field}
		}
		str, ok := raw.(string)
		if !ok {
			return core.MarginCommand{}, "", &apperrors.ValidationError{Field: field, Message: "Invalid " + field}
		}
		fields[field] = str
	}

	action := strings.ToLower(fields["action"])
	if action != "enable" && action != "disable" {
		return core.MarginCommand{}, "", &apperrors.ValidationError{
			Field:   "action",
			Message: fmt.Sprintf("Invalid action '%s'", fields["action"]),
		}
	}

	settleCoin, _ := payload["settleCoin"].(string)

	cmd := core.MarginCommand{
		Category: core.Category(strings.ToLower(fields["category"])),
		Symbol:   strings.ToUpper(fields["symbol"]),
		Side:     core.Side(capitalize(fields["side"])),
		Enable:   action == "enable",
	}
	return cmd, settleCoin, nil
}

// capitalize upper-cases the first byte and lower-cases the rest, turning
// "buy"/"SELL" into the exchange's "Buy"/"Sell" spelling.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// handlePositions serves the cached position list for a query given in URL
// parameters, falling back to the configured default scope.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, detailResponse{Detail: "Method not allowed"})
		return
	}
	if !s.authorize(r) {
		writeJSON(w, http.StatusUnauthorized, detailResponse{Detail: "Invalid webhook secret"})
		return
	}

	query, err := s.queryFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, detailResponse{Detail: err.Error()})
		return
	}

	positions, err := s.reader.ListPositions(r.Context(), query)
	if err != nil {
		s.logger.Warn("Position read failed", "key", query.CacheKey(), "error", err)
		writeJSON(w, http.StatusBadGateway, detailResponse{Detail: err.Error()})
		return
	}
	if positions == nil {
		positions = []core.Position{}
	}

	writeJSON(w, http.StatusOK, positionsResponse{Status: "ok", Result: positionList{List: positions}})
}

// queryFromRequest merges URL parameters over the default scope. A symbol
// parameter displaces any settle coin, mirroring query precedence.
func (s *Server) queryFromRequest(r *http.Request) (core.PositionQuery, error) {
	s.mu.Lock()
	query := s.defaultQuery
	s.mu.Unlock()

	params := r.URL.Query()
	if v := params.Get("category"); v != "" {
		query.Category = core.Category(strings.ToLower(v))
	}
	if v := params.Get("symbol"); v != "" {
		query.Symbol = strings.ToUpper(v)
		query.SettleCoin = ""
	} else if v := params.Get("settleCoin"); v != "" {
		query.SettleCoin = strings.ToUpper(v)
		query.Symbol = ""
	}

	if err := query.Validate(); err != nil {
		return core.PositionQuery{}, err
	}
	return query, nil
}

// handleRefresh invalidates the whole cache and triggers an immediate poll.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, detailResponse{Detail: "Method not allowed"})
		return
	}
	if !s.authorize(r) {
		writeJSON(w, http.StatusUnauthorized, detailResponse{Detail: "Invalid webhook secret"})
		return
	}

	s.reader.InvalidateAll()
	if s.refresher != nil {
		s.refresher.RefreshNow()
	}
	s.hub.Broadcast(NewRefreshMessage(map[string]interface{}{"requested_at": time.Now().Unix()}))

	s.logger.Info("Manual refresh requested", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
