package atlas

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MarkdownConverter turns a stored document into plain markdown text for
// providers without native document support. Implemented by the ingest
// package.
type MarkdownConverter interface {
	// Convert reads the file at path and returns its markdown rendering.
	// originalName carries the extension that selects the converter.
	Convert(ctx context.Context, path, originalName string) (string, error)
}

// FileUploader pushes a prepared file to one provider's file API and
// returns the remote handle once the provider reports it usable.
type FileUploader interface {
	Upload(ctx context.Context, path, originalName string) (string, error)
}

// FileStateChange is the payload of file_state events.
type FileStateChange struct {
	FileID string    `json:"file_id"`
	State  FileState `json:"state"`
	Error  string    `json:"error,omitempty"`
}

// FilePipelineOption configures a FilePipeline.
type FilePipelineOption func(*FilePipeline)

// WithFileLogger sets the pipeline's logger.
func WithFileLogger(l *slog.Logger) FilePipelineOption {
	return func(p *FilePipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithConverter sets the markdown converter used for documents.
func WithConverter(c MarkdownConverter) FilePipelineOption {
	return func(p *FilePipeline) { p.converter = c }
}

// WithUploader registers a provider's file uploader.
func WithUploader(provider string, u FileUploader) FilePipelineOption {
	return func(p *FilePipeline) { p.uploaders[provider] = u }
}

// FilePipeline moves attachments through the upload state machine:
// local → processing_md → uploading → processing → ready, with any state
// able to fall to error. Each transition is persisted and published as a
// file_state event.
type FilePipeline struct {
	store     Store
	bus       *Bus
	dir       string
	converter MarkdownConverter
	uploaders map[string]FileUploader
	logger    *slog.Logger

	mu sync.Mutex
	// preparing guards against concurrent prepares of the same file.
	preparing map[string]struct{}
}

// NewFilePipeline constructs a pipeline storing raw uploads under dir.
func NewFilePipeline(store Store, bus *Bus, dir string, opts ...FilePipelineOption) *FilePipeline {
	p := &FilePipeline{
		store:     store,
		bus:       bus,
		dir:       dir,
		uploaders: make(map[string]FileUploader),
		logger:    nopLogger,
		preparing: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register stores an uploaded file on disk and records it in state local.
func (p *FilePipeline) Register(ctx context.Context, originalName string, data []byte) (FileReference, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return FileReference{}, err
	}
	id := NewID()
	stored := id + filepath.Ext(originalName)
	path := filepath.Join(p.dir, stored)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return FileReference{}, err
	}

	f := FileReference{
		ID:             id,
		OriginalName:   originalName,
		StoredFilename: stored,
		FileSize:       int64(len(data)),
		APIState:       FileLocal,
		CreatedAt:      NowUnix(),
	}
	if err := p.store.SaveFileRecord(ctx, f); err != nil {
		os.Remove(path)
		return FileReference{}, err
	}
	p.publishState(id, FileLocal, "")
	return f, nil
}

// Prepare drives a registered file to ready for the given provider:
// conversion when the format needs it, then upload and remote processing.
// Returns the resulting file record; on failure the file lands in error.
func (p *FilePipeline) Prepare(ctx context.Context, fileID, provider string) (FileReference, error) {
	p.mu.Lock()
	if _, busy := p.preparing[fileID]; busy {
		p.mu.Unlock()
		return FileReference{}, fmt.Errorf("file %s: prepare already in progress", fileID)
	}
	p.preparing[fileID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.preparing, fileID)
		p.mu.Unlock()
	}()

	f, err := p.store.GetFileRecord(ctx, fileID)
	if err != nil {
		return FileReference{}, err
	}
	if f.APIState == FileReady && f.Provider == provider {
		return f, nil
	}
	if f.APIState != FileLocal {
		return FileReference{}, fmt.Errorf("file %s: cannot prepare from state %s", fileID, f.APIState)
	}

	uploader := p.uploaders[provider]
	if uploader == nil {
		return p.fail(ctx, f, fmt.Errorf("no uploader for provider %s", provider))
	}

	path := filepath.Join(p.dir, f.StoredFilename)
	uploadPath := path
	if p.needsConversion(f.OriginalName) {
		if err := p.advance(ctx, &f, FileProcessingMD, provider, ""); err != nil {
			return FileReference{}, err
		}
		md, cerr := p.converter.Convert(ctx, path, f.OriginalName)
		if cerr != nil {
			return p.fail(ctx, f, fmt.Errorf("convert: %w", cerr))
		}
		uploadPath = path + ".md"
		if werr := os.WriteFile(uploadPath, []byte(md), 0o644); werr != nil {
			return p.fail(ctx, f, werr)
		}
	}

	if err := p.advance(ctx, &f, FileUploading, provider, ""); err != nil {
		return FileReference{}, err
	}
	handle, uerr := uploader.Upload(ctx, uploadPath, f.OriginalName)
	if uerr != nil {
		return p.fail(ctx, f, fmt.Errorf("upload: %w", uerr))
	}
	if err := p.advance(ctx, &f, FileProcessing, provider, handle); err != nil {
		return FileReference{}, err
	}
	if err := p.advance(ctx, &f, FileReady, provider, handle); err != nil {
		return FileReference{}, err
	}
	return f, nil
}

// needsConversion reports whether the format is converted to markdown
// before upload rather than sent raw.
func (p *FilePipeline) needsConversion(name string) bool {
	if p.converter == nil {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".html", ".htm", ".md", ".markdown", ".txt":
		return true
	}
	return false
}

func (p *FilePipeline) advance(ctx context.Context, f *FileReference, state FileState, provider, handle string) error {
	if err := p.store.UpdateFileAPIInfo(ctx, f.ID, state, provider, handle); err != nil {
		return err
	}
	f.APIState = state
	f.Provider = provider
	if handle != "" {
		f.APIFileName = handle
	}
	p.publishState(f.ID, state, "")
	return nil
}

func (p *FilePipeline) fail(ctx context.Context, f FileReference, cause error) (FileReference, error) {
	p.logger.Error("file pipeline failed", "file_id", f.ID, "state", f.APIState, "error", cause)
	if err := p.store.UpdateFileAPIInfo(ctx, f.ID, FileError, f.Provider, f.APIFileName); err != nil {
		p.logger.Error("record file error state", "file_id", f.ID, "error", err)
	}
	p.publishState(f.ID, FileError, cause.Error())
	f.APIState = FileError
	return f, cause
}

func (p *FilePipeline) publishState(fileID string, state FileState, errMsg string) {
	p.bus.Publish(Event{
		Type:    EventFileState,
		Content: FileStateChange{FileID: fileID, State: state, Error: errMsg},
	})
}
