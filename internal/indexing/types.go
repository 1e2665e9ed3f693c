// Package indexing defines core types shared across subsystems.
package indexing

import (
	"time"
)

// Priority is the caller-assigned urgency tag used to arbitrate quota reserves.
type Priority string

// Priority levels, lowest to highest.
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Reserved reports whether the priority may draw from the reserved quota floor.
func (p Priority) Reserved() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// Valid reports whether p is one of the known priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Action is the notification type sent to the indexing provider.
type Action string

// Notification actions accepted by the provider.
const (
	ActionURLUpdated Action = "URL_UPDATED"
	ActionURLDeleted Action = "URL_DELETED"
)

// EntryStatus represents the lifecycle state of a submission entry.
type EntryStatus string

// Entry status values persisted in the entry store.
const (
	StatusPending          EntryStatus = "pending"
	StatusSubmitted        EntryStatus = "submitted"
	StatusFailed           EntryStatus = "failed"
	StatusRateLimited      EntryStatus = "rate_limited"
	StatusConfirmedIndexed EntryStatus = "confirmed_indexed"
)

// CredentialSource distinguishes user OAuth material from the service account.
type CredentialSource string

// Credential sources. They are never mixed within one call.
const (
	SourceUserOAuth      CredentialSource = "user_oauth"
	SourceServiceAccount CredentialSource = "service_account"
)

// Credential holds OAuth token material for one user and source.
type Credential struct {
	UserID       string           `json:"user_id"`
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token,omitempty"`
	Expiry       time.Time        `json:"expiry"`
	Scopes       []string         `json:"scopes,omitempty"`
	Source       CredentialSource `json:"source"`
}

// Expired reports whether the access token is within skew of its expiry.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(c.Expiry)
}

// Property is a verified Search Console site cached per user.
type Property struct {
	UserID          string    `json:"user_id"`
	SiteURL         string    `json:"site_url"`
	PermissionLevel string    `json:"permission_level"`
	Verified        bool      `json:"verified"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// SubmissionEntry records the outcome of one URL notification.
type SubmissionEntry struct {
	ID            string      `json:"id"`
	UserID        string      `json:"user_id"`
	Property      string      `json:"property"`
	URL           string      `json:"url"`
	Domain        string      `json:"domain"`
	Priority      Priority    `json:"priority"`
	Action        Action      `json:"action"`
	Status        EntryStatus `json:"status"`
	ResponseCode  int         `json:"response_code,omitempty"`
	ErrorDetail   string      `json:"error_detail,omitempty"`
	Retries       int         `json:"retries,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	SubmittedAt   *time.Time  `json:"submitted_at,omitempty"`
	LastCheckedAt *time.Time  `json:"last_checked_at,omitempty"`
}

// QuotaRecord tracks daily submission counts for one (user, property, day).
// A record is created on first use of a day and superseded, never zeroed,
// at the daily boundary.
type QuotaRecord struct {
	UserID          string           `json:"user_id"`
	Property        string           `json:"property"`
	Day             string           `json:"day"`
	Limit           int              `json:"limit"`
	PriorityReserve int              `json:"priority_reserve"`
	Used            int              `json:"used"`
	UsedByPriority  map[Priority]int `json:"used_by_priority"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Remaining returns the unconsumed portion of the daily limit.
func (q QuotaRecord) Remaining() int {
	if q.Used >= q.Limit {
		return 0
	}
	return q.Limit - q.Used
}

// NonPriorityUsed returns consumption attributable to low/medium callers.
func (q QuotaRecord) NonPriorityUsed() int {
	return q.UsedByPriority[PriorityLow] + q.UsedByPriority[PriorityMedium]
}

// NonPriorityRemaining returns capacity available to low/medium callers after
// the priority reserve floor is honored.
func (q QuotaRecord) NonPriorityRemaining() int {
	budget := q.Limit - q.PriorityReserve - q.NonPriorityUsed()
	if budget < 0 {
		budget = 0
	}
	if r := q.Remaining(); r < budget {
		return r
	}
	return budget
}

// DayKey formats t as the UTC day string used to key quota records.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Reservation is a tentative quota deduction made before a remote call.
// Unused units are returned through the ledger after the call completes.
type Reservation struct {
	UserID   string
	Property string
	Day      string
	Priority Priority
	Count    int
}

// Notification pairs a URL with the action requested for it.
type Notification struct {
	URL    string `json:"url"`
	Action Action `json:"type"`
}

// OutcomeKind tags the per-URL result variants of a batch call.
type OutcomeKind int

// Outcome variants. RateLimited is distinct from Failed so callers can
// retry on a later cycle without counting it as a user error.
const (
	OutcomeSubmitted OutcomeKind = iota
	OutcomeFailed
	OutcomeRateLimited
)

// Outcome is the per-URL result demultiplexed from a batch response.
type Outcome struct {
	URL    string
	Kind   OutcomeKind
	Code   int
	Detail string
}

// SubmitRequest carries the inputs of one orchestrated submission.
type SubmitRequest struct {
	UserID   string   `json:"user_id"`
	Property string   `json:"property"`
	URLs     []string `json:"urls"`
	Priority Priority `json:"priority"`
	Action   Action   `json:"action"`
}

// SubmissionReport summarizes one orchestrated submission.
type SubmissionReport struct {
	Entries            []SubmissionEntry `json:"entries"`
	Submitted          int               `json:"submitted"`
	Failed             int               `json:"failed"`
	RateLimited        int               `json:"rate_limited"`
	ValidationRejected int               `json:"validation_rejected"`
	QuotaRemaining     int               `json:"quota_remaining"`
}

// Sitemap is a registered sitemap tracked for daily re-sync.
type Sitemap struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Property   string     `json:"property"`
	SitemapURL string     `json:"sitemap_url"`
	AutoSync   bool       `json:"auto_sync"`
	URLCount   int        `json:"url_count"`
	LastSynced *time.Time `json:"last_synced,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// EntryFilter narrows history queries.
type EntryFilter struct {
	UserID   string
	Status   EntryStatus
	Domain   string
	Page     int
	PageSize int
}

// Stats aggregates submission outcomes over a window.
type Stats struct {
	Total            int                 `json:"total"`
	ByStatus         map[EntryStatus]int `json:"by_status"`
	ByDomain         map[string]int      `json:"by_domain"`
	ByPriority       map[Priority]int    `json:"by_priority"`
	SuccessRate      float64             `json:"success_rate"`
	ConfirmedIndexed int                 `json:"confirmed_indexed"`
}
