package crm

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of a push delivery body.
const SignatureHeader = "X-CRM-Signature"

// maxPushBody bounds the size of a push delivery.
const maxPushBody = 64 << 10

// PushHandlerFunc is called for every verified delivery addressed to the
// receiver's role.
type PushHandlerFunc func(ctx context.Context, n *Notification) error

// ============================================================================
// Standalone Functions
// ============================================================================

// SignPush returns the signature header value for body.
func SignPush(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyPushSignature checks an HMAC-SHA256 signature in constant time.
// The "sha256=" prefix is optional.
func VerifyPushSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignPush(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParsePushPayload decodes a delivery and fills in the display defaults.
func ParsePushPayload(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("invalid JSON in push body: %w", err)
	}
	for i, r := range n.Recipients {
		role := ParseRole(string(r))
		if role == RoleUnset {
			return nil, fmt.Errorf("unknown recipient role: %q", r)
		}
		n.Recipients[i] = role
	}
	n.applyDefaults()
	return &n, nil
}

// ============================================================================
// PushReceiver
// ============================================================================

// PushOption configures a PushReceiver.
type PushOption func(*PushReceiver)

// WithPushRole sets how the receiver learns the signed-in role, typically
// TokenManager.Role. Without it every delivery is dispatched.
func WithPushRole(role func(ctx context.Context) Role) PushOption {
	return func(p *PushReceiver) { p.role = role }
}

func WithPushLogger(logger *slog.Logger) PushOption {
	return func(p *PushReceiver) { p.logger = logger }
}

// PushReceiver verifies, parses and dispatches server push deliveries.
type PushReceiver struct {
	secret string
	onPush PushHandlerFunc
	role   func(ctx context.Context) Role
	logger *slog.Logger
}

// NewPushReceiver creates a receiver for deliveries signed with secret.
func NewPushReceiver(secret string, onPush PushHandlerFunc, opts ...PushOption) (*PushReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("push secret is required")
	}
	if onPush == nil {
		return nil, fmt.Errorf("push handler is required")
	}
	p := &PushReceiver{secret: secret, onPush: onPush, logger: discardLogger()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Handle processes one delivery and returns the status code and response
// body for the caller to write. Deliveries for other roles are acknowledged
// without dispatch.
func (p *PushReceiver) Handle(ctx context.Context, body []byte, signature string) (int, any) {
	if !VerifyPushSignature(body, signature, p.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	n, err := ParsePushPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if p.role != nil && !n.For(p.role(ctx)) {
		return http.StatusOK, map[string]bool{"ok": true, "dispatched": false}
	}
	if err := p.onPush(ctx, n); err != nil {
		p.logger.Error("push handler failed", "tag", n.Tag, "error", err)
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true, "dispatched": true}
}

// HTTPHandler returns an http.Handler that processes push deliveries.
//
// Example:
//
//	rx, _ := crm.NewPushReceiver(secret, onPush, crm.WithPushRole(client.Tokens().Role))
//	http.Handle("/push", rx.HTTPHandler())
func (p *PushReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		defer r.Body.Close()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody+1))
		if err != nil || len(body) > maxPushBody {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		status, data := p.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
		writeJSON(rw, status, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
