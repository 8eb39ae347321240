package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"

	"golang.org/x/sync/errgroup"

	"bulletin/api/internal/util"
)

// Upper bound on concurrent index deletes during a batch delete. The items
// are independent, the remote side is not unbounded.
const indexDeleteWorkers = 4

// BatchDelete removes the given announcements from all three stores and
// returns how many announcement rows actually went away.
//
// The sequence is deliberately non-transactional: index deletes first
// (parallel, best-effort), one bulk blob removal (best-effort), relational
// rows last. A crash mid-way can leak an index document or a blob, which is
// recoverable; a relational orphan would not be, so rows are always the final
// step and the only one whose failure is fatal.
func (s *Service) BatchDelete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	docIDs, err := s.store.ListExternalDocumentIDs(ctx, ids)
	if err != nil {
		log.Printf("app: resolve index documents for batch delete: %v", err)
	}
	if len(docIDs) > 0 {
		cfg := s.resolveIndexConfig(ctx)
		group := new(errgroup.Group)
		group.SetLimit(indexDeleteWorkers)
		for _, docID := range docIDs {
			group.Go(func() error {
				if err := s.index.DeleteDocument(ctx, cfg, docID); err != nil {
					log.Printf("app: delete index document %s: %v", docID, err)
				}
				return nil
			})
		}
		_ = group.Wait()
	}

	paths, err := s.store.ListAttachmentPaths(ctx, ids)
	if err != nil {
		log.Printf("app: resolve attachment paths for batch delete: %v", err)
	}
	for _, outcome := range s.blob.Remove(ctx, paths) {
		if outcome.Err != nil {
			log.Printf("app: remove blob %s: %v", outcome.Path, outcome.Err)
		}
	}

	deleted, err := s.store.DeleteAnnouncements(ctx, ids)
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Duplicate clones an announcement with its attachments. The clone starts
// inactive with a disambiguated title and no index reference; it acquires its
// own mirrored document the next time it is explicitly published.
func (s *Service) Duplicate(ctx context.Context, id string) (string, error) {
	source, err := s.store.GetAnnouncement(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domainError(http.StatusNotFound, "NOT_FOUND", "Announcement not found", nil)
		}
		return "", err
	}
	attachments, err := s.store.ListAttachments(ctx, id)
	if err != nil {
		return "", err
	}

	clone := source
	clone.ID = util.NewID("ann")
	clone.Title = source.Title + " (Copy)"
	clone.IsActive = false
	clone.ExternalDocumentID = nil
	if err := s.store.InsertAnnouncement(ctx, clone); err != nil {
		return "", err
	}

	// Each attachment copies independently; only a successful blob copy earns
	// a row, so the clone never references a path that does not exist.
	for _, attachment := range attachments {
		newPath, err := s.blob.Copy(ctx, attachment.StoredPath, clone.ID)
		if err != nil {
			log.Printf("app: copy blob %s for duplicate %s: %v", attachment.StoredPath, clone.ID, err)
			continue
		}
		row := attachment
		row.ID = util.NewID("att")
		row.AnnouncementID = clone.ID
		row.StoredPath = newPath
		if err := s.store.InsertAttachment(ctx, row); err != nil {
			log.Printf("app: insert copied attachment %s: %v", row.FileName, err)
		}
	}

	return clone.ID, nil
}
