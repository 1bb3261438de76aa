package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/inbox-ledger/internal/mail"
)

const pageSize = 100

var errEnough = errors.New("max count reached")

// Adapter is a mail.Source over the Gmail API
type Adapter struct {
	svc  *gmail.Service
	user string
	log  logrus.FieldLogger
}

// New creates a Gmail adapter from an authorized HTTP client
func New(ctx context.Context, client *http.Client, log logrus.FieldLogger) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return NewWithService(svc, log), nil
}

// NewWithService wraps an existing Gmail service
func NewWithService(svc *gmail.Service, log logrus.FieldLogger) *Adapter {
	return &Adapter{svc: svc, user: "me", log: log}
}

// Fetch lists messages matching f and downloads each one in full
func (a *Adapter) Fetch(ctx context.Context, f mail.Filter) ([]mail.RawMessage, error) {
	q := f.Query()
	var ids []string
	call := a.svc.Users.Messages.List(a.user).Q(q).IncludeSpamTrash(false).MaxResults(pageSize)
	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
			if f.MaxCount > 0 && len(ids) >= f.MaxCount {
				return errEnough
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnough) {
		return nil, mail.Unavailable("list messages", err)
	}
	a.log.WithFields(logrus.Fields{"query": q, "count": len(ids)}).Debug("gmail messages listed")

	out := make([]mail.RawMessage, 0, len(ids))
	for _, id := range ids {
		m, err := a.svc.Users.Messages.Get(a.user, id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, mail.Unavailable("get message "+id, err)
		}
		out = append(out, normalize(m))
	}
	return out, nil
}

// normalize converts a Gmail message to a RawMessage
func normalize(m *gmail.Message) mail.RawMessage {
	raw := mail.RawMessage{
		ID:         m.Id,
		ReceivedAt: time.UnixMilli(m.InternalDate).UTC(),
	}
	if m.Payload == nil {
		return raw
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			raw.Sender = h.Value
		case "subject":
			raw.Subject = h.Value
		}
	}
	raw.Parts = collectParts(m.Payload, nil)
	return raw
}

// collectParts walks the MIME tree and returns every decodable text leaf in document order
func collectParts(p *gmail.MessagePart, acc []mail.Part) []mail.Part {
	if p == nil {
		return acc
	}
	if len(p.Parts) > 0 {
		for _, sub := range p.Parts {
			acc = collectParts(sub, acc)
		}
		return acc
	}
	mediaType := mediaTypeOf(p.MimeType)
	if !strings.HasPrefix(mediaType, "text/") || p.Body == nil || p.Body.Data == "" {
		return acc
	}
	content, err := decodeBody(p.Body.Data)
	if err != nil {
		return acc
	}
	return append(acc, mail.Part{MediaType: mediaType, Content: content})
}

func mediaTypeOf(v string) string {
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return mt
}

// decodeBody decodes Gmail's URL-safe base64, with or without padding
func decodeBody(data string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	return string(b), nil
}

var _ mail.Source = (*Adapter)(nil)
