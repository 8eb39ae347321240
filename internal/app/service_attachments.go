package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"bulletin/api/internal/store"
	"bulletin/api/internal/util"
)

// DesiredAttachment is one slot in the client's final ordering: either a kept
// existing row or a new payload to upload. Exactly one of the two is set.
type DesiredAttachment struct {
	ExistingID string
	Upload     *UploadPayload
}

// UploadPayload carries one new file plus the metadata the client declared
// for it.
type UploadPayload struct {
	FileName string
	Size     int64
	MimeType string
	Content  io.Reader
}

// FileError reports a single file whose upload failed.
type FileError struct {
	FileName string `json:"fileName"`
	Error    string `json:"error"`
}

// ReconcileResult enumerates what one reconcile pass actually achieved. Saving
// attachments is an inherently partial-success operation: individual upload
// failures are listed here while the rest of the set still persists.
type ReconcileResult struct {
	Updated  []store.Attachment `json:"updated"`
	Inserted []store.Attachment `json:"inserted"`
	Errors   []FileError        `json:"errors"`
}

// ReconcileAttachments drives the persisted attachment set of one announcement
// to match the desired ordering. Removals happen first (blob best-effort, then
// row), new payloads are uploaded independently, and the surviving entries are
// re-packed to a dense 0..N-1 display order in one relational transaction.
func (s *Service) ReconcileAttachments(ctx context.Context, announcementID string, desired []DesiredAttachment, removals []string) (ReconcileResult, error) {
	if _, err := s.store.GetAnnouncement(ctx, announcementID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ReconcileResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Announcement not found", nil)
		}
		return ReconcileResult{}, err
	}

	existing, err := s.store.ListAttachments(ctx, announcementID)
	if err != nil {
		return ReconcileResult{}, err
	}
	existingByID := make(map[string]store.Attachment, len(existing))
	for _, row := range existing {
		existingByID[row.ID] = row
	}

	kept := map[string]bool{}
	for _, slot := range desired {
		if slot.ExistingID != "" {
			kept[slot.ExistingID] = true
		}
	}

	// Removals first. The blob removal is best-effort: a failure is logged
	// and the row still goes, an orphaned blob is a recoverable leak while a
	// row pointing at a deleted announcement state is not.
	for _, removeID := range removals {
		if kept[removeID] {
			continue
		}
		row, ok := existingByID[removeID]
		if !ok {
			continue
		}
		for _, outcome := range s.blob.Remove(ctx, []string{row.StoredPath}) {
			if outcome.Err != nil {
				log.Printf("app: remove blob %s: %v", outcome.Path, outcome.Err)
			}
		}
		if err := s.store.DeleteAttachment(ctx, removeID); err != nil {
			return ReconcileResult{}, err
		}
		delete(existingByID, removeID)
	}

	result := ReconcileResult{
		Updated:  []store.Attachment{},
		Inserted: []store.Attachment{},
		Errors:   []FileError{},
	}

	// Upload every new payload independently; one failure never aborts the
	// rest. Uploaded metadata is matched back to its originating slot below.
	type uploadedObject struct {
		originalName string
		size         int64
		path         string
		mimeType     string
		consumed     bool
	}
	var uploaded []*uploadedObject
	failed := map[*UploadPayload]bool{}
	for _, slot := range desired {
		if slot.Upload == nil {
			continue
		}
		object, err := s.blob.Put(ctx, announcementID, slot.Upload.FileName, slot.Upload.MimeType, slot.Upload.Content, slot.Upload.Size)
		if err != nil {
			log.Printf("app: upload %s for %s: %v", slot.Upload.FileName, announcementID, err)
			result.Errors = append(result.Errors, FileError{FileName: slot.Upload.FileName, Error: err.Error()})
			failed[slot.Upload] = true
			continue
		}
		uploaded = append(uploaded, &uploadedObject{
			originalName: object.OriginalName,
			size:         object.Size,
			path:         object.Path,
			mimeType:     object.MimeType,
		})
	}

	// Pair each slot with its upload by (name, size), ties broken by
	// submission order. Two new files sharing both collide onto upload
	// order; a correlation token threaded through the upload would remove
	// that ambiguity.
	matchUpload := func(payload *UploadPayload) *uploadedObject {
		for _, object := range uploaded {
			if object.consumed {
				continue
			}
			if object.originalName == payload.FileName && object.size == payload.Size {
				object.consumed = true
				return object
			}
		}
		return nil
	}

	// Walk the desired ordering and re-pack display_order densely; slots
	// whose upload failed simply do not occupy a position.
	var updates []store.AttachmentOrder
	var inserts []store.Attachment
	position := 0
	for _, slot := range desired {
		if slot.ExistingID != "" {
			row, ok := existingByID[slot.ExistingID]
			if !ok {
				return ReconcileResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
					fmt.Sprintf("attachment %s does not belong to this announcement", slot.ExistingID), nil)
			}
			row.DisplayOrder = position
			updates = append(updates, store.AttachmentOrder{ID: row.ID, DisplayOrder: position})
			result.Updated = append(result.Updated, row)
			position++
			continue
		}
		if failed[slot.Upload] {
			continue
		}
		object := matchUpload(slot.Upload)
		if object == nil {
			continue
		}
		row := store.Attachment{
			ID:             util.NewID("att"),
			AnnouncementID: announcementID,
			FileName:       object.originalName,
			StoredPath:     object.path,
			FileSize:       object.size,
			MimeType:       object.mimeType,
			DisplayOrder:   position,
		}
		inserts = append(inserts, row)
		result.Inserted = append(result.Inserted, row)
		position++
	}

	if err := s.store.ApplyAttachmentChanges(ctx, updates, inserts); err != nil {
		return ReconcileResult{}, fmt.Errorf("persist attachments for %s: %w", announcementID, err)
	}
	return result, nil
}
