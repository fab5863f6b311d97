package crm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound is returned by Store implementations for absent keys.
	ErrNotFound = errors.New("crm: not found")
	// ErrNetwork wraps transport failures where no response was received.
	ErrNetwork = errors.New("crm: network error")
	// ErrNotLoggedIn is returned when an operation needs a credential.
	ErrNotLoggedIn = errors.New("crm: not logged in")
	// ErrQueueWrite is returned when an offline entry could not be persisted.
	ErrQueueWrite = errors.New("crm: offline queue write failed")
	// ErrSyncInProgress is returned when a sync pass is already running.
	ErrSyncInProgress = errors.New("crm: sync already in progress")
	// ErrOffline is returned when an online-only operation runs while offline.
	ErrOffline = errors.New("crm: offline")
)

// APIError is a non-2xx response from the CRM API.
type APIError struct {
	StatusCode  int                 `json:"status"`
	Detail      string              `json:"detail,omitempty"`
	FieldErrors map[string][]string `json:"field_errors,omitempty"`
	Body        []byte              `json:"-"`
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" && len(e.FieldErrors) > 0 {
		keys := make([]string, 0, len(e.FieldErrors))
		for k := range e.FieldErrors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+strings.Join(e.FieldErrors[k], ", "))
		}
		msg = strings.Join(parts, "; ")
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("crm: HTTP %d: %s", e.StatusCode, msg)
}

// newAPIError decodes a Django REST framework style error body. Unknown
// shapes keep the raw body for diagnosis.
func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Body: body}
	var raw map[string]json.RawMessage
	if json.Unmarshal(body, &raw) != nil {
		e.Detail = strings.TrimSpace(string(body))
		if len(e.Detail) > 200 {
			e.Detail = e.Detail[:200]
		}
		return e
	}
	for key, val := range raw {
		switch key {
		case "detail", "message", "error":
			var s string
			if json.Unmarshal(val, &s) == nil && e.Detail == "" {
				e.Detail = s
			}
		case "non_field_errors":
			var list []string
			if json.Unmarshal(val, &list) == nil {
				e.Detail = strings.Join(list, ", ")
			}
		default:
			var list []string
			if json.Unmarshal(val, &list) == nil {
				if e.FieldErrors == nil {
					e.FieldErrors = make(map[string][]string)
				}
				e.FieldErrors[key] = list
				continue
			}
			var s string
			if json.Unmarshal(val, &s) == nil {
				if e.FieldErrors == nil {
					e.FieldErrors = make(map[string][]string)
				}
				e.FieldErrors[key] = []string{s}
			}
		}
	}
	return e
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// IsValidation reports whether err is a client error the server will keep
// rejecting for the same payload.
func IsValidation(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// ============================================================================
// Roles
// ============================================================================

// Role is the staff role of the signed-in user.
type Role string

const (
	RoleUnset                Role = ""
	RoleAdmin                Role = "Admin"
	RolePrincipal            Role = "Principal"
	RoleAdmissionCoordinator Role = "Admission Coordinator"
	RoleTeachingCoordinator  Role = "Teaching Coordinator"
	RoleOfficeDesk           Role = "Office Desk"
)

var knownRoles = []Role{
	RoleAdmin, RolePrincipal, RoleAdmissionCoordinator, RoleTeachingCoordinator, RoleOfficeDesk,
}

// ParseRole maps a server role string onto the closed enumeration.
// Anything unrecognised is RoleUnset.
func ParseRole(s string) Role {
	s = strings.TrimSpace(s)
	for _, r := range knownRoles {
		if strings.EqualFold(s, string(r)) {
			return r
		}
	}
	return RoleUnset
}

// UserIdentity is the cached profile of the signed-in user.
type UserIdentity struct {
	Role    Role           `json:"role"`
	Profile map[string]any `json:"profile,omitempty"`
}

// Username returns the profile username, if any.
func (u UserIdentity) Username() string {
	return strOr(u.Profile, "username", "")
}

// ============================================================================
// Leads
// ============================================================================

// LeadStatus is a stage of the admissions pipeline.
type LeadStatus string

const (
	StatusNew                     LeadStatus = "New"
	StatusContacted               LeadStatus = "Contacted"
	StatusVisitScheduled          LeadStatus = "Visit Scheduled"
	StatusVisitCompleted          LeadStatus = "Visit Completed"
	StatusPendingEvaluation       LeadStatus = "Pending Evaluation"
	StatusEvaluated               LeadStatus = "Evaluated"
	StatusPendingPrincipalConsent LeadStatus = "Pending Principal Consent"
	StatusPaymentPending          LeadStatus = "Payment Pending"
	StatusPaymentVerified         LeadStatus = "Payment Verified"
	StatusConverted               LeadStatus = "Converted"
	StatusDormant                 LeadStatus = "Dormant"
	StatusNotInterested           LeadStatus = "Not Interested"
)

// Pipeline lists the lead statuses in pipeline order.
var Pipeline = []LeadStatus{
	StatusNew, StatusContacted, StatusVisitScheduled, StatusVisitCompleted,
	StatusPendingEvaluation, StatusEvaluated, StatusPendingPrincipalConsent,
	StatusPaymentPending, StatusPaymentVerified, StatusConverted,
	StatusDormant, StatusNotInterested,
}

// Valid reports whether s is one of the pipeline statuses.
func (s LeadStatus) Valid() bool {
	return s.Stage() >= 0
}

// Stage returns the pipeline index of s, or -1.
func (s LeadStatus) Stage() int {
	for i, p := range Pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

// Lead is a prospective-student record. Business fields are kept as the
// server sends them so that any field a form submits survives the offline
// round trip.
type Lead map[string]any

// ID returns the server identifier once the lead is persisted.
func (l Lead) ID() (int64, bool) {
	switch v := l["id"].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// FullName returns full_name, falling back to first_name + last_name.
func (l Lead) FullName() string {
	if name := strOr(l, "full_name", ""); name != "" {
		return name
	}
	return strings.TrimSpace(strOr(l, "first_name", "") + " " + strOr(l, "last_name", ""))
}

// Status returns the pipeline status field.
func (l Lead) Status() LeadStatus {
	return LeadStatus(strOr(l, "status", ""))
}

// Clone returns a shallow copy of l.
func (l Lead) Clone() Lead {
	out := make(Lead, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Filters are query parameters for list endpoints.
type Filters map[string]string

// LoginResult is the response of the login endpoint.
type LoginResult struct {
	Token     string         `json:"token"`
	StaffRole string         `json:"staff_role"`
	User      map[string]any `json:"user"`
}

// Identity returns the user identity carried by the login response.
func (r *LoginResult) Identity() UserIdentity {
	return UserIdentity{Role: ParseRole(r.StaffRole), Profile: r.User}
}

// ============================================================================
// Notifications
// ============================================================================

// Notification is a server push delivered over the realtime stream or the
// push receiver.
type Notification struct {
	Title      string           `json:"title"`
	Body       string           `json:"body"`
	Icon       string           `json:"icon,omitempty"`
	Tag        string           `json:"tag,omitempty"`
	URL        string           `json:"url,omitempty"`
	Data       NotificationData `json:"data"`
	Recipients []Role           `json:"recipients,omitempty"`
}

// NotificationData carries the machine-readable part of a notification.
type NotificationData struct {
	Type   string `json:"type,omitempty"`
	LeadID int64  `json:"leadId,omitempty"`
}

const (
	defaultNotificationTitle = "School CRM Notification"
	defaultNotificationBody  = "You have a new notification"
	defaultNotificationTag   = "general"
)

func (n *Notification) applyDefaults() {
	if n.Title == "" {
		n.Title = defaultNotificationTitle
	}
	if n.Body == "" {
		n.Body = defaultNotificationBody
	}
	if n.Tag == "" {
		n.Tag = defaultNotificationTag
	}
}

// For reports whether a notification targets role. An empty recipient list
// targets everyone. Recipients match case-insensitively.
func (n *Notification) For(role Role) bool {
	if len(n.Recipients) == 0 {
		return true
	}
	for _, r := range n.Recipients {
		if r == role || (role != RoleUnset && ParseRole(string(r)) == role) {
			return true
		}
	}
	return false
}

// ============================================================================
// Helpers
// ============================================================================

func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
