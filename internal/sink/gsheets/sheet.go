// Package gsheets stores sink tables in a Google Sheets worksheet.
package gsheets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/sheets/v4"

	"github.com/Martian-dev/inbox-ledger/internal/sink"
)

const (
	DefaultWorksheet = "data"
	spreadsheetMime  = "application/vnd.google-apps.spreadsheet"
	gridRows         = 1000
	gridCols         = 10
)

// ErrNotFound is returned by a NoCreate open when the spreadsheet or worksheet is missing
var ErrNotFound = errors.New("spreadsheet not found")

// Options selects the spreadsheet and worksheet to open.
// SpreadsheetID wins over SpreadsheetName when both are set.
type Options struct {
	SpreadsheetID   string
	SpreadsheetName string
	Worksheet       string
	ShareWith       []string
	NoCreate        bool // never create, share or add a worksheet
}

// Sheet is a sink.Sheet backed by one worksheet of a spreadsheet
type Sheet struct {
	svc           *sheets.Service
	spreadsheetID string
	worksheet     string
}

// Open resolves the spreadsheet, creating and sharing it when opened by a name
// that does not exist yet, and makes sure the worksheet exists.
func Open(ctx context.Context, svc *sheets.Service, files *drive.Service, opts Options, log logrus.FieldLogger) (*Sheet, error) {
	if opts.Worksheet == "" {
		opts.Worksheet = DefaultWorksheet
	}
	id := opts.SpreadsheetID
	if id == "" {
		if opts.SpreadsheetName == "" {
			return nil, fmt.Errorf("spreadsheet id or name is required")
		}
		found, err := findByName(ctx, files, opts.SpreadsheetName)
		if err != nil {
			return nil, err
		}
		id = found
		if id == "" && opts.NoCreate {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, opts.SpreadsheetName)
		}
		if id == "" {
			log.WithField("spreadsheet", opts.SpreadsheetName).Warn("spreadsheet not found, creating")
			created, err := svc.Spreadsheets.Create(&sheets.Spreadsheet{
				Properties: &sheets.SpreadsheetProperties{Title: opts.SpreadsheetName},
			}).Context(ctx).Do()
			if err != nil {
				return nil, fmt.Errorf("create spreadsheet %q: %w", opts.SpreadsheetName, err)
			}
			id = created.SpreadsheetId
			if err := share(ctx, files, id, opts.ShareWith, log); err != nil {
				return nil, err
			}
		}
	}

	s := &Sheet{svc: svc, spreadsheetID: id, worksheet: opts.Worksheet}
	if err := s.ensureWorksheet(ctx, !opts.NoCreate, log); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"spreadsheet_id": id, "worksheet": opts.Worksheet}).Debug("spreadsheet loaded")
	return s, nil
}

func findByName(ctx context.Context, files *drive.Service, name string) (string, error) {
	if files == nil {
		return "", fmt.Errorf("drive service required to open spreadsheet %q by name", name)
	}
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false",
		strings.ReplaceAll(name, "'", `\'`), spreadsheetMime)
	res, err := files.Files.List().Q(q).Fields("files(id, name)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("find spreadsheet %q: %w", name, err)
	}
	if len(res.Files) == 0 {
		return "", nil
	}
	return res.Files[0].Id, nil
}

func share(ctx context.Context, files *drive.Service, id string, emails []string, log logrus.FieldLogger) error {
	if len(emails) == 0 {
		log.Warn("no accounts configured to share the new spreadsheet with")
		return nil
	}
	for _, em := range emails {
		_, err := files.Permissions.Create(id, &drive.Permission{
			Type:         "user",
			Role:         "writer",
			EmailAddress: em,
		}).SendNotificationEmail(false).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("share spreadsheet with %s: %w", em, err)
		}
		log.WithField("email", em).Info("spreadsheet shared")
	}
	return nil
}

func (s *Sheet) ensureWorksheet(ctx context.Context, add bool, log logrus.FieldLogger) error {
	ss, err := s.svc.Spreadsheets.Get(s.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get spreadsheet %s: %w", s.spreadsheetID, err)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == s.worksheet {
			return nil
		}
	}
	if !add {
		return fmt.Errorf("%w: worksheet %q in %s", ErrNotFound, s.worksheet, s.spreadsheetID)
	}
	log.WithField("worksheet", s.worksheet).Warn("worksheet missing, adding it")
	req := &sheets.BatchUpdateSpreadsheetRequest{Requests: []*sheets.Request{{
		AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{
			Title:          s.worksheet,
			GridProperties: &sheets.GridProperties{RowCount: gridRows, ColumnCount: gridCols},
		}},
	}}}
	if _, err := s.svc.Spreadsheets.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("add worksheet %q: %w", s.worksheet, err)
	}
	return nil
}

// Name returns the worksheet title
func (s *Sheet) Name() string { return s.worksheet }

// SpreadsheetID returns the id the sheet resolved to
func (s *Sheet) SpreadsheetID() string { return s.spreadsheetID }

func (s *Sheet) Values(ctx context.Context) ([][]string, error) {
	res, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.ref("")).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(res.Values))
	for i, row := range res.Values {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		out[i] = cells
	}
	return out, nil
}

func (s *Sheet) Update(ctx context.Context, rng string, rows [][]string) error {
	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		cells := make([]interface{}, len(row))
		for j, v := range row {
			cells[j] = v
		}
		values[i] = cells
	}
	_, err := s.svc.Spreadsheets.Values.Update(s.spreadsheetID, s.ref(rng), &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").Context(ctx).Do()
	return err
}

func (s *Sheet) Clear(ctx context.Context) error {
	_, err := s.svc.Spreadsheets.Values.Clear(s.spreadsheetID, s.ref(""), &sheets.ClearValuesRequest{}).Context(ctx).Do()
	return err
}

// ref qualifies an A1 range with the quoted worksheet title
func (s *Sheet) ref(rng string) string {
	title := "'" + strings.ReplaceAll(s.worksheet, "'", "''") + "'"
	if rng == "" {
		return title
	}
	return title + "!" + rng
}

var _ sink.Sheet = (*Sheet)(nil)
