package server

import (
	"encoding/base64"
	"strings"

	"loanos/internal/domain"
)

// Envelope is the success wrapper every 2xx response uses.
type Envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

func env[T any](data T) Envelope[T] {
	return Envelope[T]{Success: true, Data: data}
}

type CreateDealRequest struct {
	Name        string  `json:"name"`
	Borrower    string  `json:"borrower"`
	AmountCents int64   `json:"amount_cents,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	MarginBps   *int    `json:"margin_bps,omitempty"`
	Description *string `json:"description,omitempty"`
}

type UpdateDealRequest struct {
	Name        *string `json:"name,omitempty"`
	Borrower    *string `json:"borrower,omitempty"`
	Description *string `json:"description,omitempty"`
	AmountCents *int64  `json:"amount_cents,omitempty"`
	MarginBps   *int    `json:"margin_bps,omitempty"`
}

type StatusUpdateRequest struct {
	Status string  `json:"status"`
	Reason *string `json:"reason,omitempty"`
}

type TransitionsData struct {
	DealID        string   `json:"deal_id"`
	CurrentStatus string   `json:"current_status"`
	Allowed       []string `json:"allowed"`
}

type DealListData struct {
	Items      []domain.Deal `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type AddParticipantRequest struct {
	UserID      string  `json:"user_id"`
	DisplayName *string `json:"display_name,omitempty"`
	Role        *string `json:"role,omitempty"`
}

type CreateFolderRequest struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id,omitempty"`
}

type AddDocumentRequest struct {
	Name      string  `json:"name"`
	FolderID  *string `json:"folder_id,omitempty"`
	MimeType  *string `json:"mime_type,omitempty"`
	SizeBytes int64   `json:"size_bytes,omitempty"`
}

type CreateCovenantRequest struct {
	Kind       string  `json:"kind"`
	Threshold  float64 `json:"threshold"`
	Direction  string  `json:"direction" enum:"max,min"`
	Frequency  string  `json:"frequency" enum:"monthly,quarterly,annually"`
	NextTestAt *string `json:"next_test_at,omitempty" format:"date-time"`
}

type RecordCovenantTestRequest struct {
	Value float64 `json:"value"`
}

type CreateKPIRequest struct {
	Kind   string  `json:"kind"`
	Unit   *string `json:"unit,omitempty"`
	Target float64 `json:"target,omitempty"`
}

type RecordObservationRequest struct {
	Period string  `json:"period"`
	Value  float64 `json:"value"`
}

type ActivityListData struct {
	Items      []domain.ActivityEntry `json:"items"`
	NextCursor int64                  `json:"next_cursor,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name *string `json:"name,omitempty"`
}

type APIKeyCreatedData struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeySummary struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type MeData struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
	Source string   `json:"source"`
}

// encodeDealCursor packs the last row's sort key into an opaque cursor.
func encodeDealCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func decodeDealCursor(cursor string) (createdAt, id string, ok bool) {
	if cursor == "" {
		return "", "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
