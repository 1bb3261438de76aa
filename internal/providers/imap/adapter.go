// Package imap reads notification emails from an IMAP mailbox.
package imap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	_ "github.com/emersion/go-message/charset"
	msgmail "github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/inbox-ledger/internal/mail"
)

// Config holds the mailbox connection settings
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
	TLS      bool // implicit TLS, otherwise STARTTLS
}

// Adapter is a mail.Source over IMAP. Each Fetch opens its own session.
type Adapter struct {
	cfg Config
	log logrus.FieldLogger
}

// New creates an IMAP adapter
func New(cfg Config, log logrus.FieldLogger) *Adapter {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	return &Adapter{cfg: cfg, log: log}
}

func (a *Adapter) connect() (*imapclient.Client, error) {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
	var (
		client *imapclient.Client
		err    error
	)
	if a.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}
	if err := client.Login(a.cfg.Username, a.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("authentication failed for %s: %w", a.cfg.Username, err)
	}
	return client, nil
}

// Fetch searches the mailbox with f and downloads the matching messages
func (a *Adapter) Fetch(ctx context.Context, f mail.Filter) ([]mail.RawMessage, error) {
	client, err := a.connect()
	if err != nil {
		return nil, mail.Unavailable("connect", err)
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(a.cfg.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, mail.Unavailable("select "+a.cfg.Mailbox, err)
	}

	search, err := client.UIDSearch(criteria(f), nil).Wait()
	if err != nil {
		return nil, mail.Unavailable("search", err)
	}
	uids := search.AllUIDs()
	if f.MaxCount > 0 && len(uids) > f.MaxCount {
		uids = uids[len(uids)-f.MaxCount:]
	}
	a.log.WithFields(logrus.Fields{"mailbox": a.cfg.Mailbox, "count": len(uids)}).Debug("imap messages found")
	if len(uids) == 0 {
		return nil, nil
	}

	section := &imap.FetchItemBodySection{Peek: true}
	cmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope:     true,
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})
	defer cmd.Close()

	var out []mail.RawMessage
	for {
		if err := ctx.Err(); err != nil {
			return nil, mail.Unavailable("fetch", err)
		}
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, mail.Unavailable("fetch", err)
		}
		raw := mail.RawMessage{ID: strconv.FormatUint(uint64(buf.UID), 10), ReceivedAt: buf.InternalDate.UTC()}
		if env := buf.Envelope; env != nil {
			raw.Subject = env.Subject
			if len(env.From) > 0 {
				raw.Sender = env.From[0].Addr()
			}
			if raw.ReceivedAt.IsZero() {
				raw.ReceivedAt = env.Date.UTC()
			}
		}
		if body := buf.FindBodySection(section); body != nil {
			parts, err := parseParts(body)
			if err != nil {
				a.log.WithError(err).WithField("message_id", raw.ID).Warn("unparseable message body")
			}
			raw.Parts = parts
		}
		out = append(out, raw)
	}
	if err := cmd.Close(); err != nil {
		return nil, mail.Unavailable("fetch", err)
	}
	return out, nil
}

// criteria maps a filter onto IMAP SEARCH keys. SINCE and BEFORE are date-only.
func criteria(f mail.Filter) *imap.SearchCriteria {
	c := &imap.SearchCriteria{Since: f.After, Before: f.Before}
	if f.Sender != "" {
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: "From", Value: f.Sender})
	}
	if f.Subject != "" {
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: "Subject", Value: f.Subject})
	}
	return c
}

// parseParts returns the inline text parts of an RFC 5322 message, charset-decoded
func parseParts(raw []byte) ([]mail.Part, error) {
	mr, err := msgmail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	var parts []mail.Part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return parts, fmt.Errorf("reading part: %w", err)
		}
		h, ok := p.Header.(*msgmail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := h.ContentType()
		if !strings.HasPrefix(mediaType, "text/") {
			continue
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return parts, fmt.Errorf("reading %s body: %w", mediaType, err)
		}
		parts = append(parts, mail.Part{MediaType: mediaType, Content: string(body)})
	}
	return parts, nil
}

var _ mail.Source = (*Adapter)(nil)
