package atlas

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeConverter struct {
	out string
	err error
}

func (c fakeConverter) Convert(_ context.Context, path, originalName string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return c.out, nil
}

type fakeUploader struct {
	handle string
	err    error
	paths  []string
}

func (u *fakeUploader) Upload(_ context.Context, path, _ string) (string, error) {
	u.paths = append(u.paths, path)
	if u.err != nil {
		return "", u.err
	}
	return u.handle, nil
}

func fileStates(events []Event, fileID string) []FileState {
	var out []FileState
	for _, ev := range events {
		if ev.Type != EventFileState {
			continue
		}
		if sc, ok := ev.Content.(FileStateChange); ok && sc.FileID == fileID {
			out = append(out, sc.State)
		}
	}
	return out
}

func TestFilePipelineRegister(t *testing.T) {
	st := newMemStore()
	bus := NewBus()
	p := NewFilePipeline(st, bus, t.TempDir())
	sub := bus.Subscribe()
	defer sub.Close()

	f, err := p.Register(context.Background(), "notes.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if f.APIState != FileLocal || f.FileSize != 5 || f.OriginalName != "notes.txt" {
		t.Errorf("file = %+v", f)
	}
	if filepath.Ext(f.StoredFilename) != ".txt" {
		t.Errorf("stored name = %q", f.StoredFilename)
	}
	rec, err := st.GetFileRecord(context.Background(), f.ID)
	if err != nil || rec.APIState != FileLocal {
		t.Errorf("record = %+v (%v)", rec, err)
	}
	if got := fileStates(drainEvents(sub, 100*time.Millisecond), f.ID); len(got) != 1 || got[0] != FileLocal {
		t.Errorf("state events = %v", got)
	}
}

func TestFilePipelinePrepareWithConversion(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	bus := NewBus()
	up := &fakeUploader{handle: "remote/abc"}
	p := NewFilePipeline(st, bus, t.TempDir(),
		WithConverter(fakeConverter{out: "# converted"}),
		WithUploader("gemini", up))
	sub := bus.Subscribe()
	defer sub.Close()

	f, err := p.Register(ctx, "paper.pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Prepare(ctx, f.ID, "gemini")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if got.APIState != FileReady || got.Provider != "gemini" || got.APIFileName != "remote/abc" {
		t.Errorf("prepared = %+v", got)
	}
	if !got.Usable("gemini") {
		t.Error("prepared file must be usable")
	}

	// The markdown sidecar, not the raw bytes, went to the provider.
	if len(up.paths) != 1 || !strings.HasSuffix(up.paths[0], ".md") {
		t.Errorf("upload paths = %v", up.paths)
	}
	data, err := os.ReadFile(up.paths[0])
	if err != nil || string(data) != "# converted" {
		t.Errorf("sidecar = %q (%v)", data, err)
	}

	states := fileStates(drainEvents(sub, 100*time.Millisecond), f.ID)
	want := []FileState{FileLocal, FileProcessingMD, FileUploading, FileProcessing, FileReady}
	if len(states) != len(want) {
		t.Fatalf("state events = %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestFilePipelinePrepareRawFormat(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	up := &fakeUploader{handle: "remote/img"}
	p := NewFilePipeline(st, NewBus(), t.TempDir(),
		WithConverter(fakeConverter{out: "unused"}),
		WithUploader("openai", up))

	f, err := p.Register(ctx, "shot.png", []byte{0x89, 0x50})
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Prepare(ctx, f.ID, "openai")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if got.APIState != FileReady {
		t.Errorf("state = %s", got.APIState)
	}
	// Images skip conversion: the stored file itself is uploaded.
	if len(up.paths) != 1 || filepath.Ext(up.paths[0]) != ".png" {
		t.Errorf("upload paths = %v", up.paths)
	}
}

func TestFilePipelinePrepareIdempotentWhenReady(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	up := &fakeUploader{handle: "remote/x"}
	p := NewFilePipeline(st, NewBus(), t.TempDir(), WithUploader("openai", up))

	f, _ := p.Register(ctx, "a.png", []byte{1})
	if _, err := p.Prepare(ctx, f.ID, "openai"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Prepare(ctx, f.ID, "openai"); err != nil {
		t.Fatalf("second Prepare: %v", err)
	}
	if len(up.paths) != 1 {
		t.Errorf("ready file must not re-upload: %d uploads", len(up.paths))
	}
	// A ready file cannot be re-prepared for a different provider.
	if _, err := p.Prepare(ctx, f.ID, "gemini"); err == nil {
		t.Error("cross-provider prepare from ready must fail")
	}
}

func TestFilePipelineUploadFailure(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	bus := NewBus()
	p := NewFilePipeline(st, bus, t.TempDir(),
		WithUploader("openai", &fakeUploader{err: errors.New("quota exceeded")}))
	sub := bus.Subscribe()
	defer sub.Close()

	f, _ := p.Register(ctx, "a.png", []byte{1})
	if _, err := p.Prepare(ctx, f.ID, "openai"); err == nil {
		t.Fatal("expected upload failure")
	}
	rec, _ := st.GetFileRecord(ctx, f.ID)
	if rec.APIState != FileError {
		t.Errorf("state = %s", rec.APIState)
	}
	states := fileStates(drainEvents(sub, 100*time.Millisecond), f.ID)
	if len(states) == 0 || states[len(states)-1] != FileError {
		t.Errorf("state events = %v", states)
	}
}

func TestFilePipelineNoUploader(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	p := NewFilePipeline(st, NewBus(), t.TempDir())
	f, _ := p.Register(ctx, "a.png", []byte{1})
	if _, err := p.Prepare(ctx, f.ID, "nowhere"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	rec, _ := st.GetFileRecord(ctx, f.ID)
	if rec.APIState != FileError {
		t.Errorf("state = %s", rec.APIState)
	}
}
