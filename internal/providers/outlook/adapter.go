package outlook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/inbox-ledger/internal/mail"
)

const pageSize int32 = 100

var selectFields = []string{"id", "subject", "from", "receivedDateTime", "body"}

// Adapter is a mail.Source over Microsoft Graph
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
	log    logrus.FieldLogger
}

// New creates an Outlook adapter reading the mailbox of userID (id or principal name)
func New(cred azcore.TokenCredential, userID string, log logrus.FieldLogger) (*Adapter, error) {
	if userID == "" {
		return nil, fmt.Errorf("outlook user id is required")
	}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &Adapter{client: client, userID: userID, log: log}, nil
}

// Fetch lists messages matching f, following next links until exhausted or MaxCount is reached
func (a *Adapter) Fetch(ctx context.Context, f mail.Filter) ([]mail.RawMessage, error) {
	top := pageSize
	if f.MaxCount > 0 && int32(f.MaxCount) < top {
		top = int32(f.MaxCount)
	}
	params := &users.ItemMessagesRequestBuilderGetQueryParameters{
		Top:    &top,
		Select: selectFields,
	}
	if q := filterOf(f); q != "" {
		params.Filter = &q
	}
	cfg := &users.ItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: params}

	builder := a.client.Users().ByUserId(a.userID).Messages()
	result, err := builder.Get(ctx, cfg)
	if err != nil {
		return nil, mail.Unavailable("list messages", err)
	}

	var out []mail.RawMessage
	for {
		for _, m := range result.GetValue() {
			out = append(out, normalize(m))
			if f.MaxCount > 0 && len(out) >= f.MaxCount {
				return out, nil
			}
		}
		next := result.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}
		result, err = builder.WithUrl(*next).Get(ctx, nil)
		if err != nil {
			return nil, mail.Unavailable("list messages page", err)
		}
	}
	a.log.WithField("count", len(out)).Debug("outlook messages listed")
	return out, nil
}

// filterOf renders f as an OData $filter. Date bounds are day-granular like the Gmail query.
func filterOf(f mail.Filter) string {
	var clauses []string
	if f.Sender != "" {
		clauses = append(clauses, fmt.Sprintf("from/emailAddress/address eq '%s'", odataQuote(f.Sender)))
	}
	if !f.After.IsZero() {
		clauses = append(clauses, "receivedDateTime ge "+dayStart(f.After))
	}
	if !f.Before.IsZero() {
		clauses = append(clauses, "receivedDateTime lt "+dayStart(f.Before))
	}
	if f.Subject != "" {
		clauses = append(clauses, fmt.Sprintf("contains(subject, '%s')", odataQuote(f.Subject)))
	}
	return strings.Join(clauses, " and ")
}

func dayStart(t time.Time) string {
	return t.Format("2006-01-02") + "T00:00:00Z"
}

func odataQuote(s string) string { return strings.ReplaceAll(s, "'", "''") }

// normalize converts an Outlook message to a RawMessage
func normalize(m models.Messageable) mail.RawMessage {
	var raw mail.RawMessage
	if id := m.GetId(); id != nil {
		raw.ID = *id
	}
	if subject := m.GetSubject(); subject != nil {
		raw.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil && addr.GetAddress() != nil {
			raw.Sender = *addr.GetAddress()
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.ReceivedAt = rcvd.UTC()
	}
	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		mediaType := mail.MediaTypePlain
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			mediaType = mail.MediaTypeHTML
		}
		raw.Parts = []mail.Part{{MediaType: mediaType, Content: *body.GetContent()}}
	}
	return raw
}

// StaticToken returns a credential that always hands out the given access token
func StaticToken(token string, expiry time.Time) azcore.TokenCredential {
	return &staticTokenCredential{token: token, expiry: expiry}
}

type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expires := c.expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expires}, nil
}

var _ mail.Source = (*Adapter)(nil)
