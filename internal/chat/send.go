package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lessonloop/chatsync/internal/api"
	chaterrors "github.com/lessonloop/chatsync/internal/errors"
	"github.com/lessonloop/chatsync/internal/models"
	"github.com/lessonloop/chatsync/internal/protocol"
	"github.com/lessonloop/chatsync/internal/upload"
)

// SendStatus is the delivery state of a composed message.
type SendStatus string

const (
	StatusSending SendStatus = "sending"
	StatusSent    SendStatus = "sent"
	StatusFailed  SendStatus = "failed"
)

// SendRequest is a message composed by the local user.
type SendRequest struct {
	ConversationID string
	Content        string
	Files          []upload.FileRef
	ReplyTo        string
}

// SendResult reports the outcome of a send. Message is set when Status is
// StatusSent. FailedAttachments lists files that could not be uploaded;
// the message is still sent with the rest.
type SendResult struct {
	OutgoingID        string
	Status            SendStatus
	Message           models.Message
	FailedAttachments []upload.Failure
}

// Outgoing is a send that has not been confirmed: either still in flight
// or failed and waiting for a retry.
type Outgoing struct {
	ID             string
	ConversationID string
	Content        string
	Files          int
	Status         SendStatus
	Err            error
	CreatedAt      time.Time
}

type outgoing struct {
	Outgoing
	req      SendRequest
	uploaded []models.Attachment
}

// Send delivers a composed message: attachments are uploaded, the message
// is stored through the persistence channel, merged locally from the
// stored copy, and broadcast on the push channel. Nothing is shown
// locally before the server confirms it. On failure the send stays
// listed by Outgoing and can be retried.
func (e *Engine) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Files) == 0 {
		return SendResult{Status: StatusFailed}, fmt.Errorf("sending message: %w", chaterrors.ErrEmptyMessage)
	}

	var out *outgoing

	err := e.call(ctx, func() {
		if _, ok := e.dir.Get(req.ConversationID); !ok {
			return
		}

		out = &outgoing{
			Outgoing: Outgoing{
				ID:             uuid.NewString(),
				ConversationID: req.ConversationID,
				Content:        req.Content,
				Files:          len(req.Files),
				Status:         StatusSending,
				CreatedAt:      e.cfg.Now(),
			},
			req: req,
		}
		e.outgoing[out.ID] = out
		e.notify(Change{Kind: ChangeOutgoing, ConversationID: req.ConversationID})
	})
	if err != nil {
		return SendResult{Status: StatusFailed}, err
	}

	if out == nil {
		return SendResult{Status: StatusFailed}, fmt.Errorf("sending to %s: %w", req.ConversationID, chaterrors.ErrConversationNotFound)
	}

	return e.deliver(ctx, out.ID, req, req.Files, nil)
}

// Retry sends a failed message again. Attachments uploaded by the failed
// attempt are reused; when none were, every file is uploaded again, so
// files given as readers must still be readable.
func (e *Engine) Retry(ctx context.Context, outgoingID string) (SendResult, error) {
	var (
		req      SendRequest
		uploaded []models.Attachment
		found    bool
	)

	err := e.call(ctx, func() {
		out, ok := e.outgoing[outgoingID]
		if !ok || out.Status != StatusFailed {
			return
		}

		found = true
		req = out.req
		uploaded = slices.Clone(out.uploaded)
		out.Status = StatusSending
		out.Err = nil
		e.notify(Change{Kind: ChangeOutgoing, ConversationID: out.ConversationID})
	})
	if err != nil {
		return SendResult{Status: StatusFailed}, err
	}

	if !found {
		return SendResult{Status: StatusFailed}, fmt.Errorf("retrying %s: no failed send with that id: %w", outgoingID, chaterrors.ErrMessageNotFound)
	}

	files := req.Files
	if len(uploaded) > 0 {
		files = nil
	}

	return e.deliver(ctx, outgoingID, req, files, uploaded)
}

// Outgoing lists unconfirmed sends, oldest first.
func (e *Engine) Outgoing(ctx context.Context) ([]Outgoing, error) {
	var list []Outgoing

	err := e.call(ctx, func() {
		for _, o := range e.outgoing {
			list = append(list, o.Outgoing)
		}
	})

	slices.SortFunc(list, func(a, b Outgoing) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return list, err
}

func (e *Engine) deliver(ctx context.Context, id string, req SendRequest, files []upload.FileRef, have []models.Attachment) (SendResult, error) {
	res := e.uploads.Upload(ctx, req.ConversationID, files)
	attachments := append(have, res.Uploaded...)

	result := SendResult{
		OutgoingID:        id,
		Status:            StatusFailed,
		FailedAttachments: res.Failed,
	}

	if strings.TrimSpace(req.Content) == "" && len(attachments) == 0 {
		err := fmt.Errorf("sending message: none of %d attachments uploaded", len(files))
		e.fail(ctx, id, attachments, err)

		return result, err
	}

	stored, err := e.store.SendMessage(ctx, req.ConversationID, api.SendMessageRequest{
		Content:     req.Content,
		Type:        models.KindFor(req.Content, attachments),
		Attachments: attachments,
		ReplyTo:     req.ReplyTo,
	})
	if err == nil && stored == nil {
		err = fmt.Errorf("empty response: %w", chaterrors.ErrAPIResponse)
	}

	if err != nil {
		err = fmt.Errorf("sending message to %s: %w", req.ConversationID, err)
		e.fail(ctx, id, attachments, err)

		return result, err
	}

	m := *stored
	if m.ConversationID == "" {
		m.ConversationID = req.ConversationID
	}

	err = e.call(context.WithoutCancel(ctx), func() {
		delete(e.outgoing, id)

		if e.msgs.IngestConfirmed(m) {
			e.dir.RecordMessage(m, e.cfg.UserID)
			e.notify(Change{Kind: ChangeMessages, ConversationID: m.ConversationID})
		}

		e.notify(Change{Kind: ChangeOutgoing, ConversationID: m.ConversationID})
	})
	if err != nil {
		return result, err
	}

	e.broadcast(ctx, protocol.EventSendMessage, protocol.SendMessage{
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Type:           m.Type,
		Attachments:    m.Attachments,
		ReplyTo:        m.ReplyTo,
	})

	result.Status = StatusSent
	result.Message = m

	return result, nil
}

// fail records a failed attempt so the send can be retried.
func (e *Engine) fail(ctx context.Context, id string, uploaded []models.Attachment, err error) {
	e.logger.Warn("send failed", slog.String("outgoing_id", id), slog.String("error", err.Error()))

	_ = e.call(context.WithoutCancel(ctx), func() {
		out, ok := e.outgoing[id]
		if !ok {
			return
		}

		out.Status = StatusFailed
		out.Err = err
		out.uploaded = uploaded
		e.notify(Change{Kind: ChangeOutgoing, ConversationID: out.ConversationID})
	})
}
