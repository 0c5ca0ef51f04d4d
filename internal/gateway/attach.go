package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawbridge/pkg/protocol"
)

// maxAttachmentBytes caps inlined attachment content (5MB).
const maxAttachmentBytes = 5 * 1024 * 1024

var attachmentHTTPClient = &http.Client{Timeout: 30 * time.Second}

// BuildAttachment converts a media reference into an inline chat.send
// attachment. Accepted forms:
//   - data: URIs pass through unchanged
//   - local file paths are read and inlined
//   - http(s) URLs are fetched and inlined
//
// Oversized or unfetchable remote media falls back to sending the URL as
// message text instead, signalled by a nil attachment and ok=true.
func BuildAttachment(ctx context.Context, ref string) (*protocol.Attachment, bool) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		return &protocol.Attachment{Content: ref}, true

	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		att, err := fetchRemote(ctx, ref)
		if err != nil {
			slog.Warn("gateway: attachment fetch failed, sending link", "url", ref, "error", err)
			return nil, true
		}
		return att, true

	default:
		att, err := readLocal(ref)
		if err != nil {
			slog.Warn("gateway: attachment read failed, skipping", "path", ref, "error", err)
			return nil, false
		}
		return att, true
	}
}

func readLocal(path string) (*protocol.Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxAttachmentBytes {
		return nil, fmt.Errorf("file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	return &protocol.Attachment{
		FileName: filepath.Base(path),
		MimeType: mimeType,
		Content:  dataURI(mimeType, data),
	}, nil
}

func fetchRemote(ctx context.Context, url string) (*protocol.Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := attachmentHTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > maxAttachmentBytes {
		return nil, fmt.Errorf("content too large: %d bytes", resp.ContentLength)
	}

	// One extra byte detects bodies that exceed the cap without a
	// Content-Length header.
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("content too large")
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	return &protocol.Attachment{
		FileName: filepath.Base(req.URL.Path),
		MimeType: mimeType,
		Content:  dataURI(mimeType, data),
	}, nil
}

func dataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
