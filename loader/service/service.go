// Package service runs the directory loader: it watches a folder, extracts
// text from new files and ingests them through the pipeline.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"docqa/config"
	"docqa/loader/internal"
	"docqa/pipeline"
	"docqa/types"
)

// Ingester is the part of the pipeline the loader needs.
type Ingester interface {
	Ingest(ctx context.Context, req pipeline.IngestRequest) (*types.Document, error)
	Document(ctx context.Context, id uuid.UUID) (*types.Document, error)
}

type Service struct {
	logger   *slog.Logger
	ingester Ingester
	loader   *internal.FileLoader
	orgID    string
}

func New(cfg config.LoaderConfig, ingester Ingester) (*Service, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	loader, err := internal.NewFileLoader(cfg)
	if err != nil {
		return nil, err
	}
	return &Service{
		logger:   slog.Default(),
		ingester: ingester,
		loader:   loader,
		orgID:    cfg.OrgID,
	}, nil
}

// Run blocks until ctx is cancelled, then waits briefly for in-flight files.
func (s *Service) Run(ctx context.Context) {
	fileChan := make(chan string, 10)
	docChan := make(chan *internal.LoadedFile)
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		defer close(fileChan)
		s.loader.WatchFile(ctx, fileChan)
	}()
	go func() {
		defer wg.Done()
		defer close(docChan)
		s.loader.ProcessFile(ctx, fileChan, docChan)
	}()
	go func() {
		defer wg.Done()
		s.DocumentSave(ctx, docChan)
	}()

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("[LOADER] all workers stopped")
	case <-time.After(5 * time.Second):
		s.logger.Warn("[LOADER] timeout waiting for workers to stop")
	}
}

// DocumentSave ingests loaded files until docChan is closed.
func (s *Service) DocumentSave(ctx context.Context, docChan <-chan *internal.LoadedFile) {
	for file := range docChan {
		s.Save(ctx, file)
	}
}

// Save ingests one loaded file and files it under archive or bad.
func (s *Service) Save(ctx context.Context, file *internal.LoadedFile) {
	logger := s.logger.With("path", file.SourcePath, "doc_id", file.ID, "org_id", file.OrgID)

	if file.Err != nil {
		logger.Error("[LOADER] unable to read file", "err", file.Err)
		s.move(file.SourcePath, true)
		return
	}

	if !s.ShouldUpdateFile(ctx, file.ID, file.ModTime) {
		logger.Info("[LOADER] file unchanged since last ingestion, skipping")
		s.move(file.SourcePath, false)
		return
	}

	orgID := file.OrgID
	if orgID == "" {
		orgID = s.orgID
	}
	doc, err := s.ingester.Ingest(ctx, pipeline.IngestRequest{
		ID:       file.ID,
		OrgID:    orgID,
		UserID:   file.UserID,
		Title:    file.Title,
		Mime:     file.Mime,
		FolderID: file.FolderID,
		Tags:     file.Tags,
		Text:     file.Text,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Leave the file in place for the next run.
			s.loader.Release(file.SourcePath)
			return
		}
		logger.Error("[LOADER] ingestion failed", "err", err)
		s.move(file.SourcePath, true)
		return
	}
	logger.Info("[LOADER] document saved", "chunks", doc.ChunkCount)
	s.move(file.SourcePath, false)
}

// ShouldUpdateFile reports whether the file is new or changed since the
// document built from it last became ready.
func (s *Service) ShouldUpdateFile(ctx context.Context, docID uuid.UUID, modTime time.Time) bool {
	doc, err := s.ingester.Document(ctx, docID)
	if err != nil || doc.Status != types.StatusReady {
		return true
	}
	return modTime.After(doc.UpdatedAt)
}

func (s *Service) move(path string, bad bool) {
	if _, err := s.loader.MoveToArchive(path, bad); err != nil {
		s.logger.Error("[LOADER] unable to move file", "path", path, "err", err)
	}
}
