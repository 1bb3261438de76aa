package extract

import (
	"github.com/Martian-dev/inbox-ledger/internal/mail"
	"github.com/Martian-dev/inbox-ledger/internal/record"
)

// Built-in source kinds
const (
	KindOutpost = "outpost"
	KindApple   = "apple"
)

// BookingSchema is the climbing-class booking confirmation record
var BookingSchema = record.Schema{
	Name:      "booking",
	Fields:    []string{"datetime", "booking_ref", "membership_no", "membership_name", "class_name", "location"},
	TimeField: "datetime",
	KeyField:  "booking_ref",
	TimeLayouts: []string{
		"2 Jan 2006 @ 3:04 PM",
		"2 January 2006 @ 3:04 PM",
		"2 Jan 2006 @ 15:04",
	},
}

// BookingLabels maps table labels to BookingSchema fields
var BookingLabels = map[string]string{
	"Date & time":   "datetime",
	"Booking ref":   "booking_ref",
	"Membership No": "membership_no",
	"Membership":    "membership_name",
	"Class":         "class_name",
	"Location":      "location",
}

// InvoiceSchema is the app store invoice record
var InvoiceSchema = record.Schema{
	Name:      "invoice",
	Fields:    []string{"invoice_date", "doc_no", "order_id", "sequence_no", "email", "total_amount", "descr_text"},
	TimeField: "invoice_date",
	KeyField:  "doc_no",
	TimeLayouts: []string{
		"2 Jan 2006",
		"2 January 2006",
		"Jan 2, 2006",
		"January 2, 2006",
		"2006-01-02",
	},
	Optional: []string{"descr_text"},
}

const invoiceSeparator = "--------------------------------------------------------------------------------"

// InvoiceMarkers is the marker sequence of an app store plain-text invoice
var InvoiceMarkers = []Marker{
	{Text: "APPLE ID", Field: "email", NextLine: true},
	{Text: "ORDER ID:", Field: "order_id"},
	{Text: "DOCUMENT NO.:", Field: "doc_no"},
	{Text: "SEQUENCE NO.:", Field: "sequence_no"},
	{Text: "INVOICE DATE:", Field: "invoice_date"},
	{Text: "TOTAL:", Field: "total_amount"},
}

// Builtin returns the registry of built-in profiles
func Builtin() *Registry {
	r, err := NewRegistry(
		Profile{
			Kind:   KindOutpost,
			Filter: mail.Filter{Sender: "no-reply@outpostclimbing.rezeve.com", Subject: "Booking confirmed:"},
			Schema: BookingSchema,
			Extractor: LabelTable{
				Schema: BookingSchema,
				Labels: BookingLabels,
			},
		},
		Profile{
			Kind:   KindApple,
			Filter: mail.Filter{Sender: "no_reply@email.apple.com", Subject: "Your invoice from Apple."},
			Schema: InvoiceSchema,
			Extractor: Markers{
				Schema:      InvoiceSchema,
				Markers:     InvoiceMarkers,
				Separator:   invoiceSeparator,
				Terminator:  "TOTAL",
				Description: "descr_text",
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}
