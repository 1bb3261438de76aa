package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/inbox-ledger/internal/extract"
)

// Mode is the path a run took to reach Done
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFullResync  Mode = "full_resync"
)

// Failure describes one message dropped during extraction
type Failure struct {
	MessageID string `db:"message_id" json:"message_id"`
	Subject   string `db:"subject" json:"subject"`
	Reason    string `db:"reason" json:"reason"`
	Field     string `db:"field" json:"field,omitempty"`
	Error     string `db:"error" json:"error"`
}

// Report is the outcome of one sync invocation
type Report struct {
	RunID          string    `json:"run_id"`
	Source         string    `json:"source"`
	Mode           Mode      `json:"mode"`
	Checkpoint     time.Time `json:"checkpoint"`
	Fetched        int       `json:"fetched"`
	Extracted      int       `json:"extracted"`
	Failed         int       `json:"failed"`
	Ambiguous      int       `json:"ambiguous"`
	Appended       int       `json:"appended"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
	Failures       []Failure `json:"failures,omitempty"`
	Err            error     `json:"-"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// OK reports whether the run reached Done without a terminal failure
func (r Report) OK() bool { return r.Err == nil }

// Status is "ok" or "failed"
func (r Report) Status() string {
	if r.OK() {
		return "ok"
	}
	return "failed"
}

// ErrorText returns the terminal error message or ""
func (r Report) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Duration is the wall time of the run
func (r Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Subject is the event subject the run is announced on
func (r Report) Subject() string { return fmt.Sprintf("ledger.%s.run", r.Source) }

// MsgID deduplicates the run event downstream
func (r Report) MsgID() string { return "run|" + r.RunID }

// Payload renders the run event body
func (r Report) Payload() ([]byte, error) {
	type event struct {
		Report
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	return json.Marshal(event{Report: r, Status: r.Status(), Error: r.ErrorText()})
}

func (r *Report) addFailure(id, subject string, err error) {
	f := Failure{MessageID: id, Subject: subject, Error: err.Error()}
	var xerr *extract.Error
	if errors.As(err, &xerr) {
		f.Reason = string(xerr.Reason)
		f.Field = xerr.Field
	}
	r.Failed++
	r.Failures = append(r.Failures, f)
}

// resetCounts clears the per-pass counters before a fallback pass
func (r *Report) resetCounts() {
	r.Fetched, r.Extracted, r.Failed, r.Ambiguous, r.Appended = 0, 0, 0, 0, 0
	r.Failures = nil
}
