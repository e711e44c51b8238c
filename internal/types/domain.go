package types

import "time"

// User is the owning entity of everything user-scoped in the system.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	IsActive     bool
	IsAdmin      bool
}

// UserSettings is 1:1 with User, created lazily on first access.
type UserSettings struct {
	UserID               int64
	AutoRunEnabled       bool
	RunIntervalMinutes   int
	RequestDelaySeconds  int
	NavVisiblePages      []string
	ScrapeSafetyState    SafetyCounters
	ScrapeCooldownUntil  *time.Time
	ScrapeCooldownReason *string
	APIKeys              map[string]string
}

// ScholarProfile is a Google-Scholar-identified author profile owned by a
// user.
type ScholarProfile struct {
	ID                              int64
	UserID                          int64
	ScholarID                       string
	DisplayName                     string
	ProfileImageURL                 string
	ProfileImageOverrideURL         string
	ProfileImageUploadPath          string
	IsEnabled                       bool
	BaselineCompleted               bool
	LastRunDT                       *time.Time
	LastRunStatus                   ScholarOutcomeStatus
	LastInitialPageFingerprintSHA256 string
	LastInitialPageCheckedAt        *time.Time
}

// Publication is a globally shared record representing one academic work.
type Publication struct {
	ID                    int64
	ClusterID             *string
	FingerprintSHA256     string
	CanonicalTitleHash    string
	DOI                   *string
	TitleRaw              string
	TitleNormalized       string
	Year                  *int
	CitationCount         int
	AuthorText            string
	VenueText             string
	PubURL                string
	PDFURL                string
	OpenAlexEnriched      bool
	OpenAlexLastAttemptAt *time.Time
}

// PublicationIdentifierKind enumerates the known identifier kinds.
type PublicationIdentifierKind string

const (
	IdentifierDOI   PublicationIdentifierKind = "doi"
	IdentifierArxiv PublicationIdentifierKind = "arxiv"
	IdentifierPMID  PublicationIdentifierKind = "pmid"
	IdentifierPMCID PublicationIdentifierKind = "pmcid"
)

// PublicationIdentifier is a typed external identifier attached to a
// Publication, unique per (publication_id, kind, value_normalized).
type PublicationIdentifier struct {
	ID              int64
	PublicationID   int64
	Kind            PublicationIdentifierKind
	ValueRaw        string
	ValueNormalized string
	ConfidenceScore float64
	Source          string
	EvidenceURL     string
}

// DisplayIdentifier is the highest-confidence identifier for a
// publication, overlaid for UI display by C12.
type DisplayIdentifier struct {
	Kind            PublicationIdentifierKind
	Value           string
	Label           string
	URL             string
	ConfidenceScore float64
}

// ScholarPublication is the link row: "this scholar surfaced this
// publication at least once."
type ScholarPublication struct {
	ScholarProfileID int64
	PublicationID    int64
	IsRead           bool
	IsFavorite       bool
	FirstSeenRunID   int64
}

// PDFJobStatus is the lifecycle of a PDF resolution job.
type PDFJobStatus string

const (
	PDFJobPending PDFJobStatus = "pending"
	PDFJobFetched PDFJobStatus = "fetched"
	PDFJobFailed  PDFJobStatus = "failed"
)

// PDFJob is the persisted shape of the PDF job queue (supplemented
// feature; no PDF bytes are stored, only status transitions).
type PDFJob struct {
	ID            int64
	PublicationID int64
	Status        PDFJobStatus
	CandidateURL  string
	ResolvedURL   string
	LastError     string
	UpdatedAt     time.Time
}
