package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"

	"bulletin/api/internal/index"
)

// SyncAnnouncement brings the mirrored index document in line with the stored
// announcement and returns the document id the mirror ended up under.
//
// An announcement with no stored reference gets a fresh document. One with a
// reference is updated in place; if the index has forgotten the document, the
// stale reference is repaired by creating a new one, transparently to the
// caller. The stored reference is only ever overwritten after a successful
// index call, so a failed sync leaves it intact and retryable.
func (s *Service) SyncAnnouncement(ctx context.Context, id string) (string, error) {
	item, err := s.store.GetAnnouncement(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domainError(http.StatusNotFound, "NOT_FOUND", "Announcement not found", nil)
		}
		return "", err
	}

	cfg := s.resolveIndexConfig(ctx)
	name := index.DocumentName(item)
	text := index.FormatDocument(item)

	if item.ExternalDocumentID == nil {
		docID, err := s.index.CreateDocument(ctx, cfg, name, text)
		if err != nil {
			return "", fmt.Errorf("sync %s: %w", id, err)
		}
		if err := s.store.SetExternalDocumentID(ctx, id, &docID); err != nil {
			return "", err
		}
		return docID, nil
	}

	docID, err := s.index.UpdateDocument(ctx, cfg, *item.ExternalDocumentID, name, text)
	if errors.Is(err, index.ErrNotFound) {
		// Drift: the index lost the document the row still references.
		log.Printf("app: index document %s for %s is gone, recreating", *item.ExternalDocumentID, id)
		docID, err = s.index.CreateDocument(ctx, cfg, name, text)
	}
	if err != nil {
		return "", fmt.Errorf("sync %s: %w", id, err)
	}

	if docID != *item.ExternalDocumentID {
		if err := s.store.SetExternalDocumentID(ctx, id, &docID); err != nil {
			return "", err
		}
	}
	return docID, nil
}

// DeleteIndexEntry removes the mirrored document for an announcement id, or
// for a document id directly when isDocID is set. Absent references and 404s
// both report success: the desired end state, document gone, already holds.
func (s *Service) DeleteIndexEntry(ctx context.Context, id string, isDocID bool) bool {
	docID := id
	if !isDocID {
		stored, err := s.store.GetExternalDocumentID(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return true
			}
			log.Printf("app: resolve index document for %s: %v", id, err)
			return false
		}
		if stored == nil {
			return true
		}
		docID = *stored
	}

	cfg := s.resolveIndexConfig(ctx)
	if err := s.index.DeleteDocument(ctx, cfg, docID); err != nil {
		log.Printf("app: delete index document %s: %v", docID, err)
		return false
	}

	if !isDocID {
		if err := s.store.SetExternalDocumentID(ctx, id, nil); err != nil {
			log.Printf("app: clear index reference for %s: %v", id, err)
		}
	}
	return true
}
