package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"bulletin/api/internal/blob"
	"bulletin/api/internal/config"
	"bulletin/api/internal/index"
	"bulletin/api/internal/store"
	"bulletin/api/internal/util"
)

// Settings keys an operator can set to override the env-provided index tuple.
const (
	settingIndexBaseURL   = "index.base_url"
	settingIndexAPIKey    = "index.api_key"
	settingIndexDatasetID = "index.dataset_id"
)

type dataStore interface {
	InsertAnnouncement(context.Context, store.Announcement) error
	UpdateAnnouncement(context.Context, store.Announcement) error
	GetAnnouncement(context.Context, string) (store.Announcement, error)
	ListAnnouncements(context.Context, store.AnnouncementFilter) ([]store.Announcement, error)
	SetExternalDocumentID(context.Context, string, *string) error
	GetExternalDocumentID(context.Context, string) (*string, error)
	ListExternalDocumentIDs(context.Context, []string) ([]string, error)
	ListAttachments(context.Context, string) ([]store.Attachment, error)
	InsertAttachment(context.Context, store.Attachment) error
	DeleteAttachment(context.Context, string) error
	ApplyAttachmentChanges(context.Context, []store.AttachmentOrder, []store.Attachment) error
	ListAttachmentPaths(context.Context, []string) ([]string, error)
	DeleteAnnouncements(context.Context, []string) (int, error)
	InsertView(context.Context, string) error
	ViewCount(context.Context, string) (int, error)
	GetSetting(context.Context, string) (string, error)
	PutSetting(context.Context, string, string) error
	Ping(ctx context.Context) error
}

type indexClient interface {
	CreateDocument(ctx context.Context, cfg index.Config, name, text string) (string, error)
	UpdateDocument(ctx context.Context, cfg index.Config, docID, name, text string) (string, error)
	DeleteDocument(ctx context.Context, cfg index.Config, docID string) error
}

type blobStore interface {
	Put(ctx context.Context, announcementID, fileName, mimeType string, r io.Reader, size int64) (blob.Object, error)
	Copy(ctx context.Context, srcPath, announcementID string) (string, error)
	Remove(ctx context.Context, paths []string) []blob.RemoveResult
}

type viewDedupe interface {
	FirstView(ctx context.Context, announcementID, clientKey string) (bool, error)
}

// Service owns the announcement lifecycle across the relational store, the
// blob store and the external index. The relational store is the source of
// truth; the other two are best-effort mirrors and never block it.
type Service struct {
	cfg   config.Config
	store dataStore
	index indexClient
	blob  blobStore
	views viewDedupe
}

func New(cfg config.Config, dataStore *store.PostgresStore, indexClient *index.Client, blobStore *blob.MinioStore) *Service {
	return &Service{
		cfg:   cfg,
		store: dataStore,
		index: indexClient,
		blob:  blobStore,
	}
}

// NewWithViewDedupe wires an optional Redis-backed view dedupe store.
func NewWithViewDedupe(cfg config.Config, dataStore *store.PostgresStore, indexClient *index.Client, blobStore *blob.MinioStore, views viewDedupe) *Service {
	service := New(cfg, dataStore, indexClient, blobStore)
	service.views = views
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// resolveIndexConfig builds the per-call index tuple: operator-set settings
// rows win, env defaults fill the rest. A read failure falls back to env so a
// flaky settings table cannot take sync down entirely.
func (s *Service) resolveIndexConfig(ctx context.Context) index.Config {
	cfg := index.Config{
		BaseURL:   s.cfg.IndexBaseURL,
		APIKey:    s.cfg.IndexAPIKey,
		DatasetID: s.cfg.IndexDatasetID,
	}
	overrides := []struct {
		key    string
		target *string
	}{
		{settingIndexBaseURL, &cfg.BaseURL},
		{settingIndexAPIKey, &cfg.APIKey},
		{settingIndexDatasetID, &cfg.DatasetID},
	}
	for _, override := range overrides {
		value, err := s.store.GetSetting(ctx, override.key)
		if err != nil {
			log.Printf("app: read setting %s: %v", override.key, err)
			continue
		}
		if strings.TrimSpace(value) != "" {
			*override.target = value
		}
	}
	return cfg
}

type AnnouncementInput struct {
	Title            string     `json:"title"`
	Category         string     `json:"category"`
	ApplicationStart *time.Time `json:"applicationStart"`
	ApplicationEnd   *time.Time `json:"applicationEnd"`
	Summary          string     `json:"summary"`
	Eligibility      string     `json:"eligibility"`
	ApplicationNotes string     `json:"applicationNotes"`
	SubmissionMethod string     `json:"submissionMethod"`
	ExternalURLs     []string   `json:"externalUrls"`
	IsActive         bool       `json:"isActive"`
	StaffNote        string     `json:"staffNote"`
}

func (in AnnouncementInput) validate() *DomainError {
	if strings.TrimSpace(in.Title) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if in.ApplicationStart != nil && in.ApplicationEnd != nil && in.ApplicationEnd.Before(*in.ApplicationStart) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "application period ends before it starts", nil)
	}
	return nil
}

// CreateAnnouncement performs the relational write, then triggers a
// best-effort sync when the announcement is born active. An index failure is
// logged and never surfaces to the caller; the row is the record of truth.
func (s *Service) CreateAnnouncement(ctx context.Context, input AnnouncementInput) (store.Announcement, error) {
	if err := input.validate(); err != nil {
		return store.Announcement{}, err
	}

	item := store.Announcement{
		ID:               util.NewID("ann"),
		Title:            strings.TrimSpace(input.Title),
		Category:         input.Category,
		ApplicationStart: input.ApplicationStart,
		ApplicationEnd:   input.ApplicationEnd,
		Summary:          input.Summary,
		Eligibility:      input.Eligibility,
		ApplicationNotes: input.ApplicationNotes,
		SubmissionMethod: input.SubmissionMethod,
		ExternalURLs:     input.ExternalURLs,
		IsActive:         input.IsActive,
		StaffNote:        input.StaffNote,
	}
	if err := s.store.InsertAnnouncement(ctx, item); err != nil {
		return store.Announcement{}, fmt.Errorf("create announcement: %w", err)
	}

	if item.IsActive {
		if _, err := s.SyncAnnouncement(ctx, item.ID); err != nil {
			log.Printf("app: sync after create %s: %v", item.ID, err)
		}
	}
	return s.store.GetAnnouncement(ctx, item.ID)
}

// UpdateAnnouncement applies metadata changes, then re-syncs an active
// announcement or best-effort drops the index entry of a deactivated one.
func (s *Service) UpdateAnnouncement(ctx context.Context, id string, input AnnouncementInput) (store.Announcement, error) {
	if err := input.validate(); err != nil {
		return store.Announcement{}, err
	}

	existing, err := s.store.GetAnnouncement(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Announcement{}, domainError(http.StatusNotFound, "NOT_FOUND", "Announcement not found", nil)
		}
		return store.Announcement{}, err
	}

	existing.Title = strings.TrimSpace(input.Title)
	existing.Category = input.Category
	existing.ApplicationStart = input.ApplicationStart
	existing.ApplicationEnd = input.ApplicationEnd
	existing.Summary = input.Summary
	existing.Eligibility = input.Eligibility
	existing.ApplicationNotes = input.ApplicationNotes
	existing.SubmissionMethod = input.SubmissionMethod
	existing.ExternalURLs = input.ExternalURLs
	existing.IsActive = input.IsActive
	existing.StaffNote = input.StaffNote

	if err := s.store.UpdateAnnouncement(ctx, existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Announcement{}, domainError(http.StatusNotFound, "NOT_FOUND", "Announcement not found", nil)
		}
		return store.Announcement{}, fmt.Errorf("update announcement: %w", err)
	}

	if existing.IsActive {
		if _, err := s.SyncAnnouncement(ctx, id); err != nil {
			log.Printf("app: sync after update %s: %v", id, err)
		}
	} else if existing.ExternalDocumentID != nil {
		s.DeleteIndexEntry(ctx, id, false)
	}
	return s.store.GetAnnouncement(ctx, id)
}

// AnnouncementDetail bundles an announcement with its ordered attachments and
// view count for the read endpoints.
type AnnouncementDetail struct {
	Announcement store.Announcement
	Attachments  []store.Attachment
	ViewCount    int
}

func (s *Service) GetAnnouncement(ctx context.Context, id string) (AnnouncementDetail, error) {
	item, err := s.store.GetAnnouncement(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AnnouncementDetail{}, domainError(http.StatusNotFound, "NOT_FOUND", "Announcement not found", nil)
		}
		return AnnouncementDetail{}, err
	}
	attachments, err := s.store.ListAttachments(ctx, id)
	if err != nil {
		return AnnouncementDetail{}, err
	}
	views, err := s.store.ViewCount(ctx, id)
	if err != nil {
		return AnnouncementDetail{}, err
	}
	return AnnouncementDetail{Announcement: item, Attachments: attachments, ViewCount: views}, nil
}

func (s *Service) ListAnnouncements(ctx context.Context, filter store.AnnouncementFilter) ([]store.Announcement, error) {
	return s.store.ListAnnouncements(ctx, filter)
}

// RecordView logs one view. With a dedupe store wired, repeat views from the
// same client within the TTL window are dropped; a dedupe failure counts the
// view rather than losing it.
func (s *Service) RecordView(ctx context.Context, id, clientKey string) error {
	if s.views != nil && clientKey != "" {
		fresh, err := s.views.FirstView(ctx, id, clientKey)
		if err != nil {
			log.Printf("app: view dedupe for %s: %v", id, err)
		} else if !fresh {
			return nil
		}
	}
	if err := s.store.InsertView(ctx, id); err != nil {
		return fmt.Errorf("record view: %w", err)
	}
	return nil
}

// IndexSettings is the operator-visible part of the index tuple; the API key
// is reported only as present or absent.
type IndexSettings struct {
	BaseURL   string `json:"baseUrl"`
	DatasetID string `json:"datasetId"`
	APIKeySet bool   `json:"apiKeySet"`
}

func (s *Service) GetIndexSettings(ctx context.Context) (IndexSettings, error) {
	resolved := s.resolveIndexConfig(ctx)
	return IndexSettings{
		BaseURL:   resolved.BaseURL,
		DatasetID: resolved.DatasetID,
		APIKeySet: strings.TrimSpace(resolved.APIKey) != "",
	}, nil
}

type IndexSettingsInput struct {
	BaseURL   *string `json:"baseUrl"`
	APIKey    *string `json:"apiKey"`
	DatasetID *string `json:"datasetId"`
}

func (s *Service) PutIndexSettings(ctx context.Context, input IndexSettingsInput) error {
	updates := []struct {
		key   string
		value *string
	}{
		{settingIndexBaseURL, input.BaseURL},
		{settingIndexAPIKey, input.APIKey},
		{settingIndexDatasetID, input.DatasetID},
	}
	for _, update := range updates {
		if update.value == nil {
			continue
		}
		if err := s.store.PutSetting(ctx, update.key, strings.TrimSpace(*update.value)); err != nil {
			return err
		}
	}
	return nil
}
