package app

import (
	"context"
	"database/sql"
	"io"
	"testing"

	"bulletin/api/internal/blob"
	"bulletin/api/internal/config"
	"bulletin/api/internal/index"
	"bulletin/api/internal/store"
)

type fakeStore struct {
	insertAnnouncementFn      func(context.Context, store.Announcement) error
	updateAnnouncementFn      func(context.Context, store.Announcement) error
	getAnnouncementFn         func(context.Context, string) (store.Announcement, error)
	listAnnouncementsFn       func(context.Context, store.AnnouncementFilter) ([]store.Announcement, error)
	setExternalDocumentIDFn   func(context.Context, string, *string) error
	getExternalDocumentIDFn   func(context.Context, string) (*string, error)
	listExternalDocumentIDsFn func(context.Context, []string) ([]string, error)
	listAttachmentsFn         func(context.Context, string) ([]store.Attachment, error)
	insertAttachmentFn        func(context.Context, store.Attachment) error
	deleteAttachmentFn        func(context.Context, string) error
	applyAttachmentChangesFn  func(context.Context, []store.AttachmentOrder, []store.Attachment) error
	listAttachmentPathsFn     func(context.Context, []string) ([]string, error)
	deleteAnnouncementsFn     func(context.Context, []string) (int, error)
	insertViewFn              func(context.Context, string) error
	viewCountFn               func(context.Context, string) (int, error)
	getSettingFn              func(context.Context, string) (string, error)
	putSettingFn              func(context.Context, string, string) error
}

func (f *fakeStore) InsertAnnouncement(ctx context.Context, item store.Announcement) error {
	if f.insertAnnouncementFn != nil {
		return f.insertAnnouncementFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) UpdateAnnouncement(ctx context.Context, item store.Announcement) error {
	if f.updateAnnouncementFn != nil {
		return f.updateAnnouncementFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetAnnouncement(ctx context.Context, id string) (store.Announcement, error) {
	if f.getAnnouncementFn != nil {
		return f.getAnnouncementFn(ctx, id)
	}
	return store.Announcement{ID: id, Title: "Announcement"}, nil
}
func (f *fakeStore) ListAnnouncements(ctx context.Context, filter store.AnnouncementFilter) ([]store.Announcement, error) {
	if f.listAnnouncementsFn != nil {
		return f.listAnnouncementsFn(ctx, filter)
	}
	return nil, nil
}
func (f *fakeStore) SetExternalDocumentID(ctx context.Context, id string, docID *string) error {
	if f.setExternalDocumentIDFn != nil {
		return f.setExternalDocumentIDFn(ctx, id, docID)
	}
	return nil
}
func (f *fakeStore) GetExternalDocumentID(ctx context.Context, id string) (*string, error) {
	if f.getExternalDocumentIDFn != nil {
		return f.getExternalDocumentIDFn(ctx, id)
	}
	return nil, nil
}
func (f *fakeStore) ListExternalDocumentIDs(ctx context.Context, ids []string) ([]string, error) {
	if f.listExternalDocumentIDsFn != nil {
		return f.listExternalDocumentIDsFn(ctx, ids)
	}
	return nil, nil
}
func (f *fakeStore) ListAttachments(ctx context.Context, id string) ([]store.Attachment, error) {
	if f.listAttachmentsFn != nil {
		return f.listAttachmentsFn(ctx, id)
	}
	return nil, nil
}
func (f *fakeStore) InsertAttachment(ctx context.Context, item store.Attachment) error {
	if f.insertAttachmentFn != nil {
		return f.insertAttachmentFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) DeleteAttachment(ctx context.Context, id string) error {
	if f.deleteAttachmentFn != nil {
		return f.deleteAttachmentFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) ApplyAttachmentChanges(ctx context.Context, updates []store.AttachmentOrder, inserts []store.Attachment) error {
	if f.applyAttachmentChangesFn != nil {
		return f.applyAttachmentChangesFn(ctx, updates, inserts)
	}
	return nil
}
func (f *fakeStore) ListAttachmentPaths(ctx context.Context, ids []string) ([]string, error) {
	if f.listAttachmentPathsFn != nil {
		return f.listAttachmentPathsFn(ctx, ids)
	}
	return nil, nil
}
func (f *fakeStore) DeleteAnnouncements(ctx context.Context, ids []string) (int, error) {
	if f.deleteAnnouncementsFn != nil {
		return f.deleteAnnouncementsFn(ctx, ids)
	}
	return len(ids), nil
}
func (f *fakeStore) InsertView(ctx context.Context, id string) error {
	if f.insertViewFn != nil {
		return f.insertViewFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) ViewCount(ctx context.Context, id string) (int, error) {
	if f.viewCountFn != nil {
		return f.viewCountFn(ctx, id)
	}
	return 0, nil
}
func (f *fakeStore) GetSetting(ctx context.Context, key string) (string, error) {
	if f.getSettingFn != nil {
		return f.getSettingFn(ctx, key)
	}
	return "", nil
}
func (f *fakeStore) PutSetting(ctx context.Context, key, value string) error {
	if f.putSettingFn != nil {
		return f.putSettingFn(ctx, key, value)
	}
	return nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeIndex struct {
	createFn    func(index.Config, string, string) (string, error)
	updateFn    func(index.Config, string, string, string) (string, error)
	deleteFn    func(index.Config, string) error
	createCalls int
	updateCalls int
	deleteCalls int
}

func (f *fakeIndex) CreateDocument(_ context.Context, cfg index.Config, name, text string) (string, error) {
	f.createCalls++
	if f.createFn != nil {
		return f.createFn(cfg, name, text)
	}
	return "doc-new", nil
}
func (f *fakeIndex) UpdateDocument(_ context.Context, cfg index.Config, docID, name, text string) (string, error) {
	f.updateCalls++
	if f.updateFn != nil {
		return f.updateFn(cfg, docID, name, text)
	}
	return docID, nil
}
func (f *fakeIndex) DeleteDocument(_ context.Context, cfg index.Config, docID string) error {
	f.deleteCalls++
	if f.deleteFn != nil {
		return f.deleteFn(cfg, docID)
	}
	return nil
}

type fakeBlob struct {
	putFn        func(string, string, string, int64) (blob.Object, error)
	copyFn       func(string, string) (string, error)
	removedPaths []string
	removeErrs   map[string]error
}

func (f *fakeBlob) Put(_ context.Context, announcementID, fileName, mimeType string, _ io.Reader, size int64) (blob.Object, error) {
	if f.putFn != nil {
		return f.putFn(announcementID, fileName, mimeType, size)
	}
	return blob.Object{
		Path:         "announcements/" + announcementID + "/" + fileName,
		Size:         size,
		MimeType:     mimeType,
		OriginalName: fileName,
	}, nil
}
func (f *fakeBlob) Copy(_ context.Context, srcPath, announcementID string) (string, error) {
	if f.copyFn != nil {
		return f.copyFn(srcPath, announcementID)
	}
	return "announcements/" + announcementID + "/copy", nil
}
func (f *fakeBlob) Remove(_ context.Context, paths []string) []blob.RemoveResult {
	f.removedPaths = append(f.removedPaths, paths...)
	var results []blob.RemoveResult
	for _, path := range paths {
		if err, ok := f.removeErrs[path]; ok {
			results = append(results, blob.RemoveResult{Path: path, Err: err})
		}
	}
	return results
}

func newTestService(fs *fakeStore, fi *fakeIndex, fb *fakeBlob) *Service {
	return &Service{
		cfg: config.Config{
			IndexBaseURL:   "http://index.local",
			IndexAPIKey:    "test-key",
			IndexDatasetID: "dataset-1",
		},
		store: fs,
		index: fi,
		blob:  fb,
	}
}

func TestCreateAnnouncementSyncsWhenActive(t *testing.T) {
	inserted := map[string]store.Announcement{}
	fs := &fakeStore{
		insertAnnouncementFn: func(_ context.Context, item store.Announcement) error {
			inserted[item.ID] = item
			return nil
		},
		getAnnouncementFn: func(_ context.Context, id string) (store.Announcement, error) {
			item, ok := inserted[id]
			if !ok {
				return store.Announcement{}, sql.ErrNoRows
			}
			return item, nil
		},
	}
	fi := &fakeIndex{}
	svc := newTestService(fs, fi, &fakeBlob{})

	item, err := svc.CreateAnnouncement(context.Background(), AnnouncementInput{Title: "Fall Grant", IsActive: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if item.Title != "Fall Grant" {
		t.Fatalf("unexpected title %q", item.Title)
	}
	if fi.createCalls != 1 {
		t.Fatalf("expected one index create, got %d", fi.createCalls)
	}
}

func TestCreateAnnouncementInactiveSkipsSync(t *testing.T) {
	fi := &fakeIndex{}
	svc := newTestService(&fakeStore{}, fi, &fakeBlob{})

	if _, err := svc.CreateAnnouncement(context.Background(), AnnouncementInput{Title: "Draft"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if fi.createCalls != 0 || fi.updateCalls != 0 {
		t.Fatalf("inactive create must not touch the index (create=%d update=%d)", fi.createCalls, fi.updateCalls)
	}
}

func TestCreateAnnouncementRequiresTitle(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeIndex{}, &fakeBlob{})
	_, err := svc.CreateAnnouncement(context.Background(), AnnouncementInput{Title: "   "})
	domainErr, ok := err.(*DomainError)
	if !ok || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateAnnouncementSurvivesIndexOutage(t *testing.T) {
	inserted := map[string]store.Announcement{}
	fs := &fakeStore{
		insertAnnouncementFn: func(_ context.Context, item store.Announcement) error {
			inserted[item.ID] = item
			return nil
		},
		getAnnouncementFn: func(_ context.Context, id string) (store.Announcement, error) {
			return inserted[id], nil
		},
	}
	fi := &fakeIndex{createFn: func(index.Config, string, string) (string, error) {
		return "", index.ErrNotConfigured
	}}
	svc := newTestService(fs, fi, &fakeBlob{})

	item, err := svc.CreateAnnouncement(context.Background(), AnnouncementInput{Title: "Offline", IsActive: true})
	if err != nil {
		t.Fatalf("relational create must not fail on index outage: %v", err)
	}
	if _, ok := inserted[item.ID]; !ok {
		t.Fatal("row was not inserted")
	}
}

func TestRecordViewDeduped(t *testing.T) {
	views := 0
	fs := &fakeStore{insertViewFn: func(context.Context, string) error {
		views++
		return nil
	}}
	svc := newTestService(fs, &fakeIndex{}, &fakeBlob{})
	svc.views = seenOnce{}

	if err := svc.RecordView(context.Background(), "ann-1", "client-a"); err != nil {
		t.Fatalf("record view: %v", err)
	}
	if err := svc.RecordView(context.Background(), "ann-1", "client-a"); err != nil {
		t.Fatalf("record view: %v", err)
	}
	if views != 1 {
		t.Fatalf("expected one counted view, got %d", views)
	}
}

// seenOnce reports the first (announcement, client) pair as fresh and every
// repeat as seen.
type seenOnce map[string]bool

func (s seenOnce) FirstView(_ context.Context, announcementID, clientKey string) (bool, error) {
	key := announcementID + ":" + clientKey
	if s == nil {
		return true, nil
	}
	if s[key] {
		return false, nil
	}
	s[key] = true
	return true, nil
}
