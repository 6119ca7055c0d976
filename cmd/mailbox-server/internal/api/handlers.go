// Package api provides HTTP handlers for the mailbox server REST API.
package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coregx/mailbox"
	"github.com/coregx/mailbox/model"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	router      *mailbox.Router
	permissions *mailbox.PermissionManager
	subs        *mailbox.SubscriptionManager
	logger      mailbox.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	router *mailbox.Router,
	permissions *mailbox.PermissionManager,
	subs *mailbox.SubscriptionManager,
	logger mailbox.Logger,
) *Handler {
	return &Handler{
		router:      router,
		permissions: permissions,
		subs:        subs,
		logger:      logger,
	}
}

// AuthRequest represents an authentication request.
type AuthRequest struct {
	Participant string `json:"participant"`
	Secret      string `json:"secret"`
}

// SendRequest represents a message submission request. Payload is
// base64-encoded raw bytes.
type SendRequest struct {
	Target          string   `json:"target"`
	Mode            string   `json:"mode"` // DIRECT, BROADCAST, or TOPIC
	Payload         string   `json:"payload"`
	ContentType     string   `json:"contentType"`
	Priority        int      `json:"priority"`
	TTLSeconds      int64    `json:"ttlSeconds"`
	Tags            []string `json:"tags"`
	ConfirmDelivery bool     `json:"confirmDelivery"`
}

// SubscribeRequest represents a subscription creation request.
type SubscribeRequest struct {
	Target        string `json:"target"`
	Mode          string `json:"mode"` // REALTIME, BATCH, or POLLING
	ContentFilter string `json:"contentFilter"`
	MaxQueueSize  int    `json:"maxQueueSize"`
}

// ConfirmRequest represents an external delivery confirmation.
type ConfirmRequest struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HandleAuth handles POST /api/v1/auth
func (h *Handler) HandleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	if req.Participant == "" {
		h.respondError(w, http.StatusBadRequest, "participant is required", "VALIDATION_ERROR")
		return
	}

	token, err := h.permissions.Authenticate(r.Context(), mailbox.Credentials{
		Participant: req.Participant,
		Secret:      req.Secret,
	})
	if err != nil {
		h.logger.Warnf("Authentication failed for %s: %v", req.Participant, err)
		h.respondError(w, http.StatusUnauthorized, "Authentication failed", "AUTHENTICATION_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, token, "Authenticated successfully")
}

// HandleSend handles POST /api/v1/messages
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	token, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	if req.Target == "" || req.Mode == "" {
		h.respondError(w, http.StatusBadRequest, "target and mode are required", "VALIDATION_ERROR")
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "payload must be base64-encoded", "VALIDATION_ERROR")
		return
	}

	msg := model.NewMessage(token.Participant, req.Target, model.AddressingMode(strings.ToUpper(req.Mode)), payload)
	msg.ContentType = req.ContentType
	msg.Priority = req.Priority
	msg.TTLSeconds = req.TTLSeconds
	msg.Tags = req.Tags
	msg.ConfirmDelivery = req.ConfirmDelivery

	result, err := h.router.Route(r.Context(), msg)
	if err != nil {
		h.respondMailboxError(w, err, "Failed to route message", "ROUTE_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusCreated, result, "Message routed successfully")
}

// HandleMessageStatus handles GET /api/v1/messages/:id/status,
// POST /api/v1/messages/:id/confirm, and DELETE /api/v1/messages/:id/retry.
func (h *Handler) HandleMessageStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	pathParts := splitPath(r.URL.Path)
	if len(pathParts) < 5 {
		h.respondError(w, http.StatusBadRequest, "Invalid message ID", "INVALID_ID")
		return
	}
	messageID := pathParts[3]
	action := pathParts[4]

	switch {
	case r.Method == http.MethodGet && action == "status":
		conf, err := h.router.GetStatus(r.Context(), messageID)
		if err != nil {
			h.respondMailboxError(w, err, "Failed to get delivery status", "STATUS_ERROR")
			return
		}
		h.respondSuccess(w, http.StatusOK, conf, "")

	case r.Method == http.MethodPost && action == "confirm":
		var req ConfirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
			return
		}
		if err := h.router.ConfirmDelivery(r.Context(), messageID, req.Success, req.Reason); err != nil {
			h.respondMailboxError(w, err, "Failed to confirm delivery", "CONFIRM_ERROR")
			return
		}
		h.respondSuccess(w, http.StatusOK, nil, "Delivery confirmed")

	case r.Method == http.MethodDelete && action == "retry":
		if err := h.router.CancelRetry(r.Context(), messageID); err != nil {
			h.respondMailboxError(w, err, "Failed to cancel retry", "CANCEL_ERROR")
			return
		}
		h.respondSuccess(w, http.StatusOK, nil, "Retries cancelled")

	default:
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
	}
}

// HandleSubscribe handles POST /api/v1/subscriptions and
// GET /api/v1/subscriptions.
func (h *Handler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	token, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req SubscribeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
			return
		}
		if req.Target == "" {
			h.respondError(w, http.StatusBadRequest, "target is required", "VALIDATION_ERROR")
			return
		}
		mode := model.DeliveryMode(strings.ToUpper(req.Mode))
		if req.Mode == "" {
			mode = model.DeliveryRealtime
		}

		sub, err := h.router.Subscribe(r.Context(), mailbox.SubscribeRequest{
			Participant:   token.Participant,
			Target:        req.Target,
			Mode:          mode,
			ContentFilter: req.ContentFilter,
			MaxQueueSize:  req.MaxQueueSize,
		})
		if err != nil {
			h.respondMailboxError(w, err, "Failed to create subscription", "SUBSCRIBE_ERROR")
			return
		}
		h.respondSuccess(w, http.StatusCreated, sub, "Subscription created successfully")

	case http.MethodGet:
		subs := h.subs.ListActive(r.Context(), token.Participant)
		h.respondSuccess(w, http.StatusOK, subs, "")

	default:
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
	}
}

// HandleUnsubscribe handles DELETE /api/v1/subscriptions/:id
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	pathParts := splitPath(r.URL.Path)
	if len(pathParts) < 4 {
		h.respondError(w, http.StatusBadRequest, "Invalid subscription ID", "INVALID_ID")
		return
	}

	if err := h.router.Unsubscribe(r.Context(), pathParts[3]); err != nil {
		h.respondMailboxError(w, err, "Failed to unsubscribe", "UNSUBSCRIBE_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, nil, "Unsubscribed successfully")
}

// HandleQueryMessages handles GET /api/v1/mailboxes/:name/messages
func (h *Handler) HandleQueryMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	token, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	pathParts := splitPath(r.URL.Path)
	if len(pathParts) < 5 {
		h.respondError(w, http.StatusBadRequest, "Invalid mailbox name", "INVALID_ID")
		return
	}
	mailboxName := pathParts[3]

	q := r.URL.Query()
	filter := model.MessageFilter{
		Sender:      q.Get("sender"),
		ContentType: q.Get("contentType"),
		Tag:         q.Get("tag"),
		AfterID:     q.Get("afterID"),
		BeforeID:    q.Get("beforeID"),
	}
	if v := q.Get("minPriority"); v != "" {
		filter.MinPriority, _ = strconv.Atoi(v)
	}
	if v := q.Get("since"); v != "" {
		filter.Since, _ = time.Parse(time.RFC3339, v)
	}
	if v := q.Get("until"); v != "" {
		filter.Until, _ = time.Parse(time.RFC3339, v)
	}

	var page model.Page
	page.Offset, _ = strconv.Atoi(q.Get("offset"))
	page.Limit, _ = strconv.Atoi(q.Get("limit"))

	list, err := h.router.QueryMessages(r.Context(), token.Participant, mailboxName, filter, page)
	if err != nil {
		if mailbox.IsNoData(err) {
			h.respondSuccess(w, http.StatusOK, model.MessageList{Messages: []model.Message{}}, "No messages found")
			return
		}
		h.respondMailboxError(w, err, "Failed to query messages", "QUERY_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, list, "")
}

// HandleUnreadCount handles GET /api/v1/unread
func (h *Handler) HandleUnreadCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	token, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	count, err := h.router.UnreadCount(r.Context(), token.Participant)
	if err != nil {
		h.respondMailboxError(w, err, "Failed to count unread messages", "UNREAD_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, map[string]int{"unreadCount": count}, "")
}

// HandleHeartbeat handles POST /api/v1/heartbeat
func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	token, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	h.subs.Heartbeat(token.Participant)
	h.respondSuccess(w, http.StatusOK, nil, "")
}

// HandleHealth handles GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	report := h.router.Health(r.Context())
	status := http.StatusOK
	if report.State == mailbox.HealthDown {
		status = http.StatusServiceUnavailable
	}
	h.respondSuccess(w, status, report, "")
}

// authenticate extracts and validates the Bearer token. It writes the error
// response itself and returns ok=false when validation fails.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (model.Token, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		h.respondError(w, http.StatusUnauthorized, "Missing bearer token", "AUTHENTICATION_ERROR")
		return model.Token{}, false
	}

	token, err := h.permissions.ValidateToken(r.Context(), strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		h.respondError(w, http.StatusUnauthorized, "Invalid or expired token", "AUTHENTICATION_ERROR")
		return model.Token{}, false
	}
	return token, true
}

// respondMailboxError maps routing-core error codes to HTTP statuses.
func (h *Handler) respondMailboxError(w http.ResponseWriter, err error, message, code string) {
	switch {
	case mailbox.IsValidation(err):
		h.respondError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	case mailbox.IsAuthorization(err):
		h.respondError(w, http.StatusForbidden, "Permission denied", "AUTHORIZATION_ERROR")
	case mailbox.IsNoData(err):
		h.respondError(w, http.StatusNotFound, "Not found", "NOT_FOUND")
	case mailbox.IsExpired(err):
		h.respondError(w, http.StatusGone, err.Error(), "EXPIRED")
	default:
		h.logger.Errorf("%s: %v", message, err)
		h.respondError(w, http.StatusInternalServerError, message, code)
	}
}

// respondError sends an error response.
func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   message,
		Code:    code,
		Message: message,
	})
}

// respondSuccess sends a success response.
func (h *Handler) respondSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(SuccessResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// splitPath splits URL path by "/"
func splitPath(path string) []string {
	parts := []string{}
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
