// Package upload turns local files into durable attachment references
// before a message is composed.
package upload

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

	"github.com/lessonloop/chatsync/internal/api"
	chaterrors "github.com/lessonloop/chatsync/internal/errors"
	"github.com/lessonloop/chatsync/internal/models"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxBytes is the per-file size cap when none is configured.
const DefaultMaxBytes = 25 * 1024 * 1024

// Uploader stores one encoded file. *api.Client satisfies this interface.
type Uploader interface {
	UploadAttachment(ctx context.Context, req api.UploadRequest) (*api.UploadResponse, error)
}

// FileRef is a file to attach. Either Path or Reader must be set. Name
// defaults to the base name of Path; ContentType is detected when empty.
type FileRef struct {
	Path        string
	Reader      io.Reader
	Name        string
	ContentType string
}

func (f FileRef) name() string {
	if f.Name != "" {
		return f.Name
	}

	return filepath.Base(f.Path)
}

// Failure records why one file could not be uploaded.
type Failure struct {
	Filename string
	Err      error
}

// Result is the outcome of uploading a batch. Uploaded keeps the input
// order of the files that succeeded.
type Result struct {
	Uploaded []models.Attachment
	Failed   []Failure
}

// Pipeline encodes and uploads attachments concurrently. A failing file
// never affects its siblings.
type Pipeline struct {
	uploader Uploader
	maxBytes int64
	logger   *slog.Logger
}

// New creates a Pipeline. maxBytes <= 0 uses DefaultMaxBytes.
func New(uploader Uploader, maxBytes int64, logger *slog.Logger) *Pipeline {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	return &Pipeline{uploader: uploader, maxBytes: maxBytes, logger: logger}
}

type outcome struct {
	attachment models.Attachment
	err        error
}

// Upload encodes every file and uploads them in parallel, one request per
// file, tagged with conversationID.
func (p *Pipeline) Upload(ctx context.Context, conversationID string, files []FileRef) Result {
	if len(files) == 0 {
		return Result{}
	}

	outcomes := make([]outcome, len(files))

	var g errgroup.Group
	g.SetLimit(len(files))

	for i, f := range files {
		g.Go(func() error {
			att, err := p.uploadOne(ctx, conversationID, f)
			outcomes[i] = outcome{attachment: att, err: err}

			return nil
		})
	}

	_ = g.Wait()

	var res Result

	for i, o := range outcomes {
		if o.err != nil {
			p.logger.Warn("attachment upload failed",
				slog.String("conversation_id", conversationID),
				slog.String("filename", files[i].name()),
				slog.String("error", o.err.Error()),
			)
			res.Failed = append(res.Failed, Failure{Filename: files[i].name(), Err: o.err})

			continue
		}

		res.Uploaded = append(res.Uploaded, o.attachment)
	}

	return res
}

// uploadOne never panics out: a panic in encoding or the uploader is
// converted into a failure for this file.
func (p *Pipeline) uploadOne(ctx context.Context, conversationID string, f FileRef) (att models.Attachment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("uploading %s: panic: %v", f.name(), r)
		}
	}()

	req, size, err := p.encode(conversationID, f)
	if err != nil {
		return models.Attachment{}, err
	}

	resp, err := p.uploader.UploadAttachment(ctx, req)
	if err != nil {
		return models.Attachment{}, err
	}

	att = resp.Attachment()
	if att.Filename == "" {
		att.Filename = req.Filename
	}

	if att.Size == 0 {
		att.Size = size
	}

	if att.ContentType == "" {
		att.ContentType = req.ContentType
	}

	return att, nil
}

// encode reads the file, detects its content type and base64-encodes it.
func (p *Pipeline) encode(conversationID string, f FileRef) (api.UploadRequest, int64, error) {
	name := f.name()

	r := f.Reader
	if r == nil {
		if f.Path == "" {
			return api.UploadRequest{}, 0, fmt.Errorf("attachment %q has no path or reader", name)
		}

		file, err := os.Open(f.Path)
		if err != nil {
			return api.UploadRequest{}, 0, fmt.Errorf("opening %s: %w", f.Path, err)
		}
		defer file.Close()

		r = file
	}

	data, err := io.ReadAll(io.LimitReader(r, p.maxBytes+1))
	if err != nil {
		return api.UploadRequest{}, 0, fmt.Errorf("reading %s: %w", name, err)
	}

	if int64(len(data)) > p.maxBytes {
		return api.UploadRequest{}, 0, fmt.Errorf("%s: %w (limit %d bytes)", name, chaterrors.ErrAttachmentTooLarge, p.maxBytes)
	}

	return api.UploadRequest{
		File:           base64.StdEncoding.EncodeToString(data),
		Filename:       name,
		ContentType:    detectContentType(name, f.ContentType, data),
		ConversationID: conversationID,
	}, int64(len(data)), nil
}

// detectContentType prefers an explicit type, then the extension, then
// content sniffing. Parameters such as charset are dropped.
func detectContentType(name, explicit string, data []byte) string {
	ct := explicit
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(name))
	}

	if ct == "" {
		ct = http.DetectContentType(data)
	}

	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}

	return ct
}
