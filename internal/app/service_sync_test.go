package app

import (
	"context"
	"errors"
	"testing"

	"bulletin/api/internal/index"
	"bulletin/api/internal/store"
)

// statefulSyncStore keeps one announcement and its index reference in memory
// so consecutive syncs observe each other's writes.
func statefulSyncStore(item store.Announcement) *fakeStore {
	fs := &fakeStore{}
	fs.getAnnouncementFn = func(context.Context, string) (store.Announcement, error) {
		return item, nil
	}
	fs.setExternalDocumentIDFn = func(_ context.Context, _ string, docID *string) error {
		item.ExternalDocumentID = docID
		fs.getAnnouncementFn = func(context.Context, string) (store.Announcement, error) {
			return item, nil
		}
		return nil
	}
	fs.getExternalDocumentIDFn = func(context.Context, string) (*string, error) {
		return item.ExternalDocumentID, nil
	}
	return fs
}

func TestSyncCreatesDocumentForNewAnnouncement(t *testing.T) {
	fs := statefulSyncStore(store.Announcement{ID: "ann-1", Title: "Grant"})
	fi := &fakeIndex{createFn: func(index.Config, string, string) (string, error) {
		return "doc-1", nil
	}}
	svc := newTestService(fs, fi, &fakeBlob{})

	docID, err := svc.SyncAnnouncement(context.Background(), "ann-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if docID != "doc-1" {
		t.Fatalf("expected doc-1, got %q", docID)
	}
	if fi.createCalls != 1 || fi.updateCalls != 0 {
		t.Fatalf("expected exactly one create (create=%d update=%d)", fi.createCalls, fi.updateCalls)
	}

	stored, _ := fs.GetAnnouncement(context.Background(), "ann-1")
	if stored.ExternalDocumentID == nil || *stored.ExternalDocumentID != "doc-1" {
		t.Fatal("external document id was not persisted")
	}
}

func TestSyncUpdatesExistingDocument(t *testing.T) {
	docID := "doc-7"
	fs := statefulSyncStore(store.Announcement{ID: "ann-1", Title: "Grant", ExternalDocumentID: &docID})
	fi := &fakeIndex{}
	svc := newTestService(fs, fi, &fakeBlob{})

	got, err := svc.SyncAnnouncement(context.Background(), "ann-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got != "doc-7" {
		t.Fatalf("document id must be unchanged, got %q", got)
	}
	if fi.updateCalls != 1 || fi.createCalls != 0 {
		t.Fatalf("expected exactly one update (create=%d update=%d)", fi.createCalls, fi.updateCalls)
	}
}

func TestSyncRepairsDriftOnNotFound(t *testing.T) {
	docID := "doc-lost"
	fs := statefulSyncStore(store.Announcement{ID: "ann-1", Title: "Grant", ExternalDocumentID: &docID})
	fi := &fakeIndex{
		updateFn: func(_ index.Config, docID, _, _ string) (string, error) {
			if docID == "doc-lost" {
				return "", index.ErrNotFound
			}
			return docID, nil
		},
		createFn: func(index.Config, string, string) (string, error) {
			return "doc-fresh", nil
		},
	}
	svc := newTestService(fs, fi, &fakeBlob{})

	got, err := svc.SyncAnnouncement(context.Background(), "ann-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got != "doc-fresh" {
		t.Fatalf("expected repaired id doc-fresh, got %q", got)
	}
	if fi.createCalls != 1 {
		t.Fatalf("expected exactly one repair create, got %d", fi.createCalls)
	}

	// A later sync finds the fresh reference and goes back to update.
	if _, err := svc.SyncAnnouncement(context.Background(), "ann-1"); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if fi.createCalls != 1 || fi.updateCalls != 2 {
		t.Fatalf("second sync must use update (create=%d update=%d)", fi.createCalls, fi.updateCalls)
	}
}

func TestSyncFailureLeavesStoredReferenceIntact(t *testing.T) {
	docID := "doc-7"
	fs := statefulSyncStore(store.Announcement{ID: "ann-1", Title: "Grant", ExternalDocumentID: &docID})
	fi := &fakeIndex{updateFn: func(index.Config, string, string, string) (string, error) {
		return "", errors.New("upstream 503")
	}}
	svc := newTestService(fs, fi, &fakeBlob{})

	if _, err := svc.SyncAnnouncement(context.Background(), "ann-1"); err == nil {
		t.Fatal("expected sync error")
	}
	stored, _ := fs.GetAnnouncement(context.Background(), "ann-1")
	if stored.ExternalDocumentID == nil || *stored.ExternalDocumentID != "doc-7" {
		t.Fatal("failed sync must not corrupt the stored reference")
	}
}

func TestDeleteIndexEntryIsIdempotent(t *testing.T) {
	fs := statefulSyncStore(store.Announcement{ID: "ann-1", Title: "Grant"})
	fi := &fakeIndex{}
	svc := newTestService(fs, fi, &fakeBlob{})

	if !svc.DeleteIndexEntry(context.Background(), "ann-1", false) {
		t.Fatal("delete on an unsynced announcement must succeed")
	}
	if !svc.DeleteIndexEntry(context.Background(), "ann-1", false) {
		t.Fatal("repeat delete must also succeed")
	}
	if fi.deleteCalls != 0 {
		t.Fatalf("no network call expected without a stored reference, got %d", fi.deleteCalls)
	}
}

func TestDeleteIndexEntryClearsReference(t *testing.T) {
	docID := "doc-9"
	fs := statefulSyncStore(store.Announcement{ID: "ann-1", Title: "Grant", ExternalDocumentID: &docID})
	fi := &fakeIndex{}
	svc := newTestService(fs, fi, &fakeBlob{})

	if !svc.DeleteIndexEntry(context.Background(), "ann-1", false) {
		t.Fatal("delete should succeed")
	}
	if fi.deleteCalls != 1 {
		t.Fatalf("expected one index delete, got %d", fi.deleteCalls)
	}
	stored, _ := fs.GetAnnouncement(context.Background(), "ann-1")
	if stored.ExternalDocumentID != nil {
		t.Fatal("reference should be cleared after delete")
	}

	// Second call: reference gone, success without another network call.
	if !svc.DeleteIndexEntry(context.Background(), "ann-1", false) {
		t.Fatal("repeat delete must succeed")
	}
	if fi.deleteCalls != 1 {
		t.Fatalf("expected no further index delete, got %d", fi.deleteCalls)
	}
}

func TestDeleteIndexEntryByDocumentID(t *testing.T) {
	deleted := ""
	fi := &fakeIndex{deleteFn: func(_ index.Config, docID string) error {
		deleted = docID
		return nil
	}}
	svc := newTestService(&fakeStore{}, fi, &fakeBlob{})

	if !svc.DeleteIndexEntry(context.Background(), "doc-42", true) {
		t.Fatal("delete should succeed")
	}
	if deleted != "doc-42" {
		t.Fatalf("expected delete of doc-42, got %q", deleted)
	}
}
