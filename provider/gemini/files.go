package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// filePollInterval is how often Upload polls a PROCESSING file.
var filePollInterval = 500 * time.Millisecond

// Upload pushes a local file to the Gemini file API and blocks until the
// provider reports it ACTIVE, returning the remote file URI. Implements
// atlas.FileUploader.
func (g *Gemini) Upload(ctx context.Context, path, originalName string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", g.wrapErr("read file: " + err.Error())
	}

	mimeType := mime.TypeByExtension(filepath.Ext(originalName))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	url := fmt.Sprintf("%s/files:upload?key=%s", baseURL, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", g.wrapErr("create upload request: " + err.Error())
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("X-Goog-Upload-Protocol", "raw")
	req.Header.Set("X-Goog-File-Name", originalName)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", g.wrapErr("upload: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", httpErr(resp, string(b))
	}

	var uploaded fileEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", g.wrapErr("decode upload response: " + err.Error())
	}

	f := uploaded.File
	for f.State == "PROCESSING" {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(filePollInterval):
		}
		f, err = g.getFile(ctx, f.Name)
		if err != nil {
			return "", err
		}
	}
	if f.State != "ACTIVE" {
		return "", g.wrapErr(fmt.Sprintf("file %s ended in state %s", f.Name, f.State))
	}
	return f.URI, nil
}

func (g *Gemini) getFile(ctx context.Context, name string) (fileInfo, error) {
	url := fmt.Sprintf("%s/%s?key=%s", baseURL, name, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fileInfo{}, g.wrapErr("create get request: " + err.Error())
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fileInfo{}, g.wrapErr("get file: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fileInfo{}, httpErr(resp, string(b))
	}
	var f fileInfo
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return fileInfo{}, g.wrapErr("decode file: " + err.Error())
	}
	return f, nil
}

type fileEnvelope struct {
	File fileInfo `json:"file"`
}

type fileInfo struct {
	Name  string `json:"name"`
	URI   string `json:"uri"`
	State string `json:"state"`
}
