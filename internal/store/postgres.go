package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const announcementColumns = `
	id, title, category, application_start, application_end,
	summary, eligibility, application_notes, submission_method,
	external_urls, is_active, staff_note, external_document_id,
	created_at, updated_at
`

func scanAnnouncement(row interface{ Scan(...any) error }) (Announcement, error) {
	var (
		item    Announcement
		rawURLs []byte
	)
	err := row.Scan(
		&item.ID, &item.Title, &item.Category, &item.ApplicationStart, &item.ApplicationEnd,
		&item.Summary, &item.Eligibility, &item.ApplicationNotes, &item.SubmissionMethod,
		&rawURLs, &item.IsActive, &item.StaffNote, &item.ExternalDocumentID,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Announcement{}, err
	}
	if len(rawURLs) > 0 {
		if err := json.Unmarshal(rawURLs, &item.ExternalURLs); err != nil {
			return Announcement{}, fmt.Errorf("decode external urls for %s: %w", item.ID, err)
		}
	}
	return item, nil
}

func encodeURLs(urls []string) ([]byte, error) {
	if urls == nil {
		urls = []string{}
	}
	return json.Marshal(urls)
}

func (s *PostgresStore) InsertAnnouncement(ctx context.Context, item Announcement) error {
	rawURLs, err := encodeURLs(item.ExternalURLs)
	if err != nil {
		return fmt.Errorf("encode external urls: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO announcements (
			id, title, category, application_start, application_end,
			summary, eligibility, application_notes, submission_method,
			external_urls, is_active, staff_note, external_document_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		item.ID, item.Title, item.Category, item.ApplicationStart, item.ApplicationEnd,
		item.Summary, item.Eligibility, item.ApplicationNotes, item.SubmissionMethod,
		rawURLs, item.IsActive, item.StaffNote, item.ExternalDocumentID,
	)
	if err != nil {
		return fmt.Errorf("insert announcement: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAnnouncement(ctx context.Context, item Announcement) error {
	rawURLs, err := encodeURLs(item.ExternalURLs)
	if err != nil {
		return fmt.Errorf("encode external urls: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE announcements SET
			title=$2, category=$3, application_start=$4, application_end=$5,
			summary=$6, eligibility=$7, application_notes=$8, submission_method=$9,
			external_urls=$10, is_active=$11, staff_note=$12, updated_at=NOW()
		WHERE id=$1
	`,
		item.ID, item.Title, item.Category, item.ApplicationStart, item.ApplicationEnd,
		item.Summary, item.Eligibility, item.ApplicationNotes, item.SubmissionMethod,
		rawURLs, item.IsActive, item.StaffNote,
	)
	if err != nil {
		return fmt.Errorf("update announcement: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update announcement rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) GetAnnouncement(ctx context.Context, id string) (Announcement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+announcementColumns+` FROM announcements WHERE id=$1`, id)
	item, err := scanAnnouncement(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Announcement{}, err
		}
		return Announcement{}, fmt.Errorf("get announcement %s: %w", id, err)
	}
	return item, nil
}

type AnnouncementFilter struct {
	Active   *bool
	Category string
	Limit    int
	Offset   int
}

func (s *PostgresStore) ListAnnouncements(ctx context.Context, filter AnnouncementFilter) ([]Announcement, error) {
	query := `SELECT ` + announcementColumns + ` FROM announcements WHERE 1=1`
	args := []any{}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		query += fmt.Sprintf(` AND is_active=$%d`, len(args))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(` AND category=$%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list announcements: %w", err)
	}
	defer rows.Close()

	items := []Announcement{}
	for rows.Next() {
		item, err := scanAnnouncement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan announcement: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetExternalDocumentID records the mirrored index document reference. It is the
// only write path for external_document_id, called after a successful index call.
func (s *PostgresStore) SetExternalDocumentID(ctx context.Context, id string, docID *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE announcements SET external_document_id=$2, updated_at=NOW() WHERE id=$1`, id, docID)
	if err != nil {
		return fmt.Errorf("set external document id: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExternalDocumentID(ctx context.Context, id string) (*string, error) {
	var docID *string
	err := s.db.QueryRowContext(ctx,
		`SELECT external_document_id FROM announcements WHERE id=$1`, id).Scan(&docID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get external document id: %w", err)
	}
	return docID, nil
}

// ListExternalDocumentIDs returns the non-null mirrored document references
// under the given announcement ids.
func (s *PostgresStore) ListExternalDocumentIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_document_id FROM announcements
		WHERE id = ANY($1) AND external_document_id IS NOT NULL
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("list external document ids: %w", err)
	}
	defer rows.Close()

	var docIDs []string
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return nil, fmt.Errorf("scan external document id: %w", err)
		}
		docIDs = append(docIDs, docID)
	}
	return docIDs, rows.Err()
}

func (s *PostgresStore) ListAttachments(ctx context.Context, announcementID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, announcement_id, file_name, stored_file_path, file_size, mime_type, display_order, created_at
		FROM attachments
		WHERE announcement_id=$1
		ORDER BY display_order ASC
	`, announcementID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := []Attachment{}
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.AnnouncementID, &item.FileName, &item.StoredPath,
			&item.FileSize, &item.MimeType, &item.DisplayOrder, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, item Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, announcement_id, file_name, stored_file_path, file_size, mime_type, display_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.AnnouncementID, item.FileName, item.StoredPath,
		item.FileSize, item.MimeType, item.DisplayOrder)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

// ApplyAttachmentChanges persists the outcome of one reconcile pass: order
// updates for kept rows and inserts for new rows, in a single transaction.
func (s *PostgresStore) ApplyAttachmentChanges(ctx context.Context, updates []AttachmentOrder, inserts []Attachment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attachment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, update := range updates {
		if _, err := tx.ExecContext(ctx,
			`UPDATE attachments SET display_order=$2 WHERE id=$1`, update.ID, update.DisplayOrder); err != nil {
			return fmt.Errorf("update attachment order %s: %w", update.ID, err)
		}
	}
	for _, item := range inserts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (id, announcement_id, file_name, stored_file_path, file_size, mime_type, display_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.ID, item.AnnouncementID, item.FileName, item.StoredPath,
			item.FileSize, item.MimeType, item.DisplayOrder); err != nil {
			return fmt.Errorf("insert attachment %s: %w", item.FileName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit attachment tx: %w", err)
	}
	return nil
}

// ListAttachmentPaths returns every stored blob path under the given
// announcement ids, for bulk blob removal ahead of a batch delete.
func (s *PostgresStore) ListAttachmentPaths(ctx context.Context, announcementIDs []string) ([]string, error) {
	if len(announcementIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT stored_file_path FROM attachments WHERE announcement_id = ANY($1)`, announcementIDs)
	if err != nil {
		return nil, fmt.Errorf("list attachment paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan attachment path: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

// DeleteAnnouncements removes relational rows in dependency order inside one
// transaction: attachments, view rows, then the announcements themselves.
// Returns the number of announcement rows actually deleted.
func (s *PostgresStore) DeleteAnnouncements(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE announcement_id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("delete attachments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM announcement_views WHERE announcement_id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("delete announcement views: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM announcements WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete announcements: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleted announcement rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete tx: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) InsertView(ctx context.Context, announcementID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO announcement_views (announcement_id) VALUES ($1)`, announcementID)
	if err != nil {
		return fmt.Errorf("insert view: %w", err)
	}
	return nil
}

func (s *PostgresStore) ViewCount(ctx context.Context, announcementID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM announcement_views WHERE announcement_id=$1`, announcementID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("view count: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}
