package store

import "time"

type Announcement struct {
	ID                 string
	Title              string
	Category           string
	ApplicationStart   *time.Time
	ApplicationEnd     *time.Time
	Summary            string
	Eligibility        string
	ApplicationNotes   string
	SubmissionMethod   string
	ExternalURLs       []string
	IsActive           bool
	StaffNote          string
	ExternalDocumentID *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Attachment struct {
	ID             string
	AnnouncementID string
	FileName       string
	StoredPath     string
	FileSize       int64
	MimeType       string
	DisplayOrder   int
	CreatedAt      time.Time
}

// AttachmentOrder carries a display_order change for an existing row.
type AttachmentOrder struct {
	ID           string
	DisplayOrder int
}

type SystemSetting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}
