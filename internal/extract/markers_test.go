package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/inbox-ledger/internal/mail"
)

const invoiceBody = "Apple\r\n" +
	"INVOICE\r\n" +
	"APPLE ID\r\n" +
	"  someone@example.com\r\n" +
	"BILLED TO\r\n" +
	"ORDER ID: MVS0KQVLGX\r\n" +
	"DOCUMENT NO.: 145796783741\r\n" +
	"SEQUENCE NO.: 2-7812345\r\n" +
	"INVOICE DATE: 12 Dec 2023\r\n" +
	"TOTAL: $2.99\r\n" +
	"--------------------------------------------------------------------------------\r\n" +
	"iCloud+\r\n" +
	"iCloud+ 50GB Monthly\r\n" +
	"\r\n" +
	"--------------------------------------------------------------------------------\r\n" +
	"Renews 12 Jan 2024\r\n" +
	"SUBTOTAL $2.99\r\n" +
	"Privacy Policy\r\n"

func invoiceExtractor() Markers {
	return Markers{
		Schema:      InvoiceSchema,
		Markers:     InvoiceMarkers,
		Separator:   invoiceSeparator,
		Terminator:  "TOTAL",
		Description: "descr_text",
	}
}

func TestMarkersExtractInvoice(t *testing.T) {
	res, err := invoiceExtractor().Extract([]mail.Part{{MediaType: mail.MediaTypePlain, Content: invoiceBody}})
	require.NoError(t, err)

	f := res.Record.Fields
	assert.Equal(t, "someone@example.com", f["email"])
	assert.Equal(t, "MVS0KQVLGX", f["order_id"])
	assert.Equal(t, "145796783741", f["doc_no"])
	assert.Equal(t, "2-7812345", f["sequence_no"])
	assert.Equal(t, "2023-12-12 00:00:00", f["invoice_date"])
	assert.Equal(t, "$2.99", f["total_amount"])
	assert.Equal(t, "iCloud+\niCloud+ 50GB Monthly\nRenews 12 Jan 2024", f["descr_text"])
}

func TestMarkersMissingTotalIsContained(t *testing.T) {
	body := strings.Replace(invoiceBody, "TOTAL: $2.99", "AMOUNT $2.99", 1)
	body = strings.Replace(body, "SUBTOTAL $2.99", "SUB $2.99", 1)

	_, err := invoiceExtractor().Extract([]mail.Part{{MediaType: mail.MediaTypePlain, Content: body}})

	var xerr *Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, MissingField, xerr.Reason)
	assert.Equal(t, "total_amount", xerr.Field)
	assert.Equal(t, "MVS0KQVLGX", xerr.Partial["order_id"])
	assert.Equal(t, "12 Dec 2023", xerr.Partial["invoice_date"])
	assert.NotContains(t, xerr.Partial, "total_amount")
}

func TestMarkersDoNotScanBackward(t *testing.T) {
	body := "ORDER ID: EARLY\nAPPLE ID\nme@example.com\nDOCUMENT NO.: 1\n"

	_, err := invoiceExtractor().Extract([]mail.Part{{MediaType: mail.MediaTypePlain, Content: body}})

	var xerr *Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, MissingField, xerr.Reason)
	assert.Equal(t, "order_id", xerr.Field)
}

func TestMarkersUnterminatedDescription(t *testing.T) {
	idx := strings.Index(invoiceBody, "SUBTOTAL")
	body := invoiceBody[:idx]

	_, err := invoiceExtractor().Extract([]mail.Part{{MediaType: mail.MediaTypePlain, Content: body}})
	var xerr *Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, "descr_text", xerr.Field)
}

func TestMarkersEmptyItemSectionKeepsRecord(t *testing.T) {
	sep := invoiceSeparator
	head := invoiceBody[:strings.Index(invoiceBody, sep)]
	body := head + sep + "\r\n\r\n" + sep + "\r\nSUBTOTAL $2.99\r\n"

	res, err := invoiceExtractor().Extract([]mail.Part{{MediaType: mail.MediaTypePlain, Content: body}})
	require.NoError(t, err)

	assert.Equal(t, "145796783741", res.Record.Fields["doc_no"])
	assert.Equal(t, "", res.Record.Fields["descr_text"])
	assert.True(t, InvoiceSchema.Valid(res.Record))
	assert.Equal(t, "", InvoiceSchema.Row(res.Record)[6])
}

func TestMarkersRequirePlainText(t *testing.T) {
	_, err := invoiceExtractor().Extract([]mail.Part{{MediaType: mail.MediaTypeHTML, Content: "<p>hi</p>"}})
	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, NoMatchingFormat, reason)
}
