package database

import "time"

// ReportKind names the cached timestamp column a report record carries.
type ReportKind string

const (
	KindImpression ReportKind = "impression"
	KindOverread   ReportKind = "overread"
)

// User is a registrar whose activity is tracked.
type User struct {
	ID             int64  `json:"id"`
	RISCode        string `json:"ris"`
	PACSUsername   string `json:"pacs"`
	Name           string `json:"name"`
	PS360AccountID *int64 `json:"ps360_account_id,omitempty"`
	Active         bool   `json:"active"`
	CreatedAt      string `json:"created_at"`
}

// HasSecondaryAccount reports whether overreads can be fetched for the user.
func (u User) HasSecondaryAccount() bool {
	return u.PS360AccountID != nil
}

// AccessionEntry maps an accession to the identifiers other systems use for it.
type AccessionEntry struct {
	ID                int64
	Accession         string
	ScrapeIdentifier  *string
	SecondaryReportID *int64
}

// ReportRecord is the cached per-user activity on one accession.
type ReportRecord struct {
	UserID       string
	Accession    string
	ImpressionAt *time.Time
	OverreadAt   *time.Time
}

// Timestamp returns the overread time when present, else the impression time.
func (r ReportRecord) Timestamp() time.Time {
	if r.OverreadAt != nil {
		return *r.OverreadAt
	}
	if r.ImpressionAt != nil {
		return *r.ImpressionAt
	}
	return time.Time{}
}

// ScrapeRun is one logged refresh of a user's cached activity.
type ScrapeRun struct {
	ID          int64
	RunID       string
	UserID      string
	StartedAt   string
	FinishedAt  *string
	Impressions int
	Overreads   int
	Error       *string
}

// Stats holds aggregate database statistics.
type Stats struct {
	Accessions          int
	ResolvedIdentifiers int
	SecondaryReports    int
	ReportRecords       int
	Impressions         int
	Overreads           int
	TotalUsers          int
	ActiveUsers         int
	ScrapeRuns          int
}
