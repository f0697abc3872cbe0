package domain

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Deal struct {
	ID          string  `json:"id"`
	OrgID       string  `json:"org_id"`
	Name        string  `json:"name"`
	Borrower    string  `json:"borrower"`
	AmountCents int64   `json:"amount_cents"`
	Currency    string  `json:"currency"`
	MarginBps   *int    `json:"margin_bps,omitempty"`
	Status      string  `json:"status" enum:"draft,active,paused,agreed,closed,terminated"`
	Description string  `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
}

type Participant struct {
	DealID      string `json:"deal_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	AddedAt     string `json:"added_at" format:"date-time"`
}

type Folder struct {
	ID        string  `json:"id"`
	DealID    string  `json:"deal_id"`
	ParentID  *string `json:"parent_id,omitempty"`
	Name      string  `json:"name"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Document struct {
	ID         string  `json:"id"`
	DealID     string  `json:"deal_id"`
	FolderID   *string `json:"folder_id,omitempty"`
	Name       string  `json:"name"`
	MimeType   string  `json:"mime_type,omitempty"`
	SizeBytes  int64   `json:"size_bytes"`
	UploadedBy string  `json:"uploaded_by"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Covenant struct {
	ID         string  `json:"id"`
	DealID     string  `json:"deal_id"`
	Kind       string  `json:"kind"`
	Threshold  float64 `json:"threshold"`
	Direction  string  `json:"direction" enum:"max,min"`
	Frequency  string  `json:"frequency" enum:"monthly,quarterly,annually"`
	Status     string  `json:"status" enum:"ok,breached,waived"`
	NextTestAt *string `json:"next_test_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type CovenantTest struct {
	ID         string  `json:"id"`
	CovenantID string  `json:"covenant_id"`
	Value      float64 `json:"value"`
	Breached   bool    `json:"breached"`
	TestedBy   string  `json:"tested_by"`
	TestedAt   string  `json:"tested_at" format:"date-time"`
}

type KPI struct {
	ID        string  `json:"id"`
	DealID    string  `json:"deal_id"`
	Kind      string  `json:"kind"`
	Unit      string  `json:"unit,omitempty"`
	Target    float64 `json:"target"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type KPIObservation struct {
	ID         string  `json:"id"`
	KPIID      string  `json:"kpi_id"`
	Period     string  `json:"period"`
	Value      float64 `json:"value"`
	RecordedBy string  `json:"recorded_by"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type ActivityEntry struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	DealID      string `json:"deal_id"`
	ActorID     string `json:"actor_id"`
	ActorName   string `json:"actor_name"`
	DetailsJSON string `json:"details_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
