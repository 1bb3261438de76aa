package imap

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/inbox-ledger/internal/mail"
)

const multipart = "From: Apple <no_reply@email.apple.com>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: Your invoice from Apple.\r\n" +
	"Date: Tue, 12 Dec 2023 10:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=ISO-8859-1\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"INVOICE DATE: 12 Dec 2023\r\n" +
	"Caf=E9\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=UTF-8\r\n" +
	"\r\n" +
	"<p>invoice</p>\r\n" +
	"--b1\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"invoice.pdf\"\r\n" +
	"\r\n" +
	"%PDF\r\n" +
	"--b1--\r\n"

func TestParsePartsDecodesTextParts(t *testing.T) {
	parts, err := parseParts([]byte(multipart))
	require.NoError(t, err)
	require.Len(t, parts, 2)

	assert.Equal(t, mail.MediaTypePlain, parts[0].MediaType)
	assert.Contains(t, parts[0].Content, "INVOICE DATE: 12 Dec 2023")
	assert.Contains(t, parts[0].Content, "Café")
	assert.Equal(t, mail.MediaTypeHTML, parts[1].MediaType)
	assert.Equal(t, "<p>invoice</p>", strings.TrimSpace(parts[1].Content))
}

func TestParsePartsRejectsGarbage(t *testing.T) {
	_, err := parseParts([]byte("not a message"))
	assert.Error(t, err)
}

func TestCriteria(t *testing.T) {
	after := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	c := criteria(mail.Filter{Sender: "no_reply@email.apple.com", Subject: "Your invoice", After: after})
	assert.Equal(t, after, c.Since)
	assert.True(t, c.Before.IsZero())
	assert.Equal(t, []imap.SearchCriteriaHeaderField{
		{Key: "From", Value: "no_reply@email.apple.com"},
		{Key: "Subject", Value: "Your invoice"},
	}, c.Header)
}

func TestNewDefaults(t *testing.T) {
	log, _ := test.NewNullLogger()
	a := New(Config{Host: "imap.example.com"}, log)
	assert.Equal(t, "INBOX", a.cfg.Mailbox)
	assert.Equal(t, 993, a.cfg.Port)
}

func TestFetchUnreachableServerIsUnavailable(t *testing.T) {
	log, _ := test.NewNullLogger()
	a := New(Config{Host: "127.0.0.1", Port: 1, TLS: true}, log)
	_, err := a.Fetch(t.Context(), mail.Filter{})
	assert.ErrorIs(t, err, mail.ErrSourceUnavailable)
}
