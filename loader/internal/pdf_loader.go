package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"docqa/config"
	"docqa/types"
)

// LoadedFile is a source file turned into text, ready for ingestion.
type LoadedFile struct {
	ID         uuid.UUID
	OrgID      string
	UserID     string
	FolderID   uuid.NullUUID
	Tags       []string
	Title      string
	Mime       string
	Text       string
	SourcePath string
	ModTime    time.Time
	// Err is set when the file could not be read; such files go to the bad directory.
	Err error
}

var ErrUnsupported = errors.New("unsupported file type")

var mimeByExt = map[string]string{
	".pdf":      "application/pdf",
	".txt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
}

type fileState struct {
	firstSeen time.Time
	size      int64
	modTime   time.Time
}

// FileLoader watches a source directory and turns files that have stopped
// changing into LoadedFiles.
type FileLoader struct {
	cfg    config.LoaderConfig
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	seen       map[string]fileState
	processing map[string]bool
}

func NewFileLoader(cfg config.LoaderConfig) (*FileLoader, error) {
	if err := createDirectories(cfg.SourceDir, cfg.ArchiveDir, cfg.BadDir); err != nil {
		return nil, err
	}
	return &FileLoader{
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
		seen:       make(map[string]fileState),
		processing: make(map[string]bool),
	}, nil
}

// WatchFile polls the source directory and sends each file to fileChan once
// its size and modification time have been stable for StableFor.
func (l *FileLoader) WatchFile(ctx context.Context, fileChan chan<- string) {
	l.logger.Info("[LOADER] start monitoring folder", "dir", l.cfg.SourceDir)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("[LOADER] file watcher stopped")
			return
		case <-ticker.C:
			for _, path := range l.Scan() {
				select {
				case fileChan <- path:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Scan runs one pass over the source directory and returns the files that
// became ready, marking them as processing.
func (l *FileLoader) Scan() []string {
	entries, err := os.ReadDir(l.cfg.SourceDir)
	if err != nil {
		l.logger.Error("[LOADER] error while reading source directory", "err", err)
		return nil
	}

	now := l.now()
	current := make(map[string]bool, len(entries))
	var ready []string

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || strings.HasSuffix(entry.Name(), types.ManifestSuffix) {
			continue
		}
		path := filepath.Join(l.cfg.SourceDir, entry.Name())
		current[path] = true
		if l.processing[path] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		state, exists := l.seen[path]
		if !exists || state.size != info.Size() || !state.modTime.Equal(info.ModTime()) {
			if !exists {
				l.logger.Info("[LOADER] new file detected", "path", path)
			}
			l.seen[path] = fileState{firstSeen: now, size: info.Size(), modTime: info.ModTime()}
			if l.cfg.StableFor > 0 {
				continue
			}
			state = l.seen[path]
		}

		if now.Sub(state.firstSeen) >= l.cfg.StableFor {
			l.processing[path] = true
			ready = append(ready, path)
		}
	}

	for path := range l.seen {
		if !current[path] {
			delete(l.seen, path)
			delete(l.processing, path)
		}
	}
	return ready
}

// ProcessFile loads each path received on fileChan and forwards the result.
func (l *FileLoader) ProcessFile(ctx context.Context, fileChan <-chan string, docChan chan<- *LoadedFile) {
	defer l.logger.Info("[LOADER] file processor stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-fileChan:
			if !ok {
				return
			}
			l.logger.Info("[LOADER] processing file", "path", path)
			file := l.Load(path)
			select {
			case docChan <- file:
			case <-ctx.Done():
				l.Release(path)
				return
			}
		}
	}
}

// Load reads path into a LoadedFile. Failures are reported in LoadedFile.Err.
// A manifest next to the file supplies its scope and original name; files
// without one belong to the loader's default organisation.
func (l *FileLoader) Load(path string) *LoadedFile {
	file := &LoadedFile{
		OrgID:      l.cfg.OrgID,
		Title:      GenerateTitle(path),
		SourcePath: path,
	}
	name := path

	manifest, ok, err := types.ReadManifest(path)
	if err != nil {
		file.ID = DocumentID(file.OrgID, name)
		file.Err = err
		return file
	}
	if ok {
		name = manifest.Name
		file.OrgID = manifest.OrgID
		file.UserID = manifest.UserID
		file.FolderID = manifest.Folder()
		file.Tags = manifest.Tags
		file.Title = manifest.Title
		if file.Title == "" {
			file.Title = GenerateTitle(name)
		}
	}
	file.ID = DocumentID(file.OrgID, name)

	info, err := os.Stat(path)
	if err != nil {
		file.Err = fmt.Errorf("file does not exist: %s", path)
		return file
	}
	file.ModTime = info.ModTime()

	mime, ok := mimeByExt[strings.ToLower(filepath.Ext(path))]
	if !ok {
		file.Err = fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
		return file
	}
	file.Mime = mime

	if mime == "application/pdf" {
		file.Text, file.Err = loadPDF(path, l.cfg.CropBox)
		return file
	}
	data, err := os.ReadFile(path)
	if err != nil {
		file.Err = err
		return file
	}
	file.Text = string(data)
	return file
}

// Release stops tracking path so it is picked up again if it reappears.
func (l *FileLoader) Release(path string) {
	l.mu.Lock()
	delete(l.processing, path)
	delete(l.seen, path)
	l.mu.Unlock()
}

// DocumentID is stable for an organisation and file name, so dropping a new
// version of a file replaces the document indexed from the previous one.
func DocumentID(orgID, path string) uuid.UUID {
	return types.FileDocumentID(orgID, path)
}

func GenerateTitle(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.ReplaceAll(name, "-", " ")
	return strings.TrimSpace(name)
}

// MoveToArchive moves a processed file into a dated folder of the archive
// directory, or of the bad directory when bad is set. Name clashes get a
// numeric suffix.
func (l *FileLoader) MoveToArchive(path string, bad bool) (string, error) {
	defer l.Release(path)

	root := l.cfg.ArchiveDir
	if bad {
		root = l.cfg.BadDir
	}
	destDir := filepath.Join(root, l.now().Format("2006-01-02"))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("error creating directory: %w", err)
	}

	destPath := filepath.Join(destDir, filepath.Base(path))
	ext := filepath.Ext(destPath)
	base := strings.TrimSuffix(filepath.Base(destPath), ext)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(destPath); os.IsNotExist(err) {
			break
		}
		destPath = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", base, counter, ext))
	}

	if err := moveFile(path, destPath); err != nil {
		return "", fmt.Errorf("error moving file to archive: %w", err)
	}
	manifest := types.ManifestPath(path)
	if _, err := os.Stat(manifest); err == nil {
		if err := moveFile(manifest, types.ManifestPath(destPath)); err != nil {
			l.logger.Warn("[LOADER] unable to move manifest", "path", manifest, "err", err)
		}
	}
	l.logger.Info("[LOADER] file moved", "from", path, "to", destPath, "bad", bad)
	return destPath, nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		// Rename fails across filesystems.
		if err := copyFile(src, dst); err != nil {
			return err
		}
		return os.Remove(src)
	}
	return nil
}

func createDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			return fmt.Errorf("loader directory is not configured")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
