package dispatch

import (
	"github.com/example/sms-dispatcher/internal/phone"
	"github.com/example/sms-dispatcher/internal/sendlog"
)

// Target is one recipient as held by the owning sales record.
type Target struct {
	ID             string `json:"id"`
	RawPhoneNumber string `json:"raw_phone_number"`
}

type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeAlreadySent Outcome = "already_sent"
	// OutcomeErrored means the send log could not be read or written. It is
	// never counted as a provider failure.
	OutcomeErrored Outcome = "errored"
)

// Reasons used as SKIPPED details.
const (
	ReasonAlreadySent    = "Already sent"
	ReasonInvalidFormat  = "Invalid phone number format"
	ReasonInFlight       = "Send already in progress"
	ReasonRecordNotFound = "Sales record not found"
)

type TargetResult struct {
	TargetID              string         `json:"target_id"`
	Outcome               Outcome        `json:"outcome"`
	Status                sendlog.Status `json:"status,omitempty"`
	RawPhoneNumber        string         `json:"raw_phone_number"`
	NormalizedPhoneNumber string         `json:"normalized_phone_number,omitempty"`
	DisplayNumber         string         `json:"display_number,omitempty"`
	Classification        phone.Kind     `json:"classification,omitempty"`
	RecordID              string         `json:"record_id,omitempty"`
	ProviderMessageID     string         `json:"provider_message_id,omitempty"`
	Attempts              int            `json:"attempts,omitempty"`
	Detail                string         `json:"detail,omitempty"`
}

// Summary aggregates a dispatch call. Results are in completion order.
type Summary struct {
	Total       int            `json:"total"`
	Sent        int            `json:"sent"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	AlreadySent int            `json:"already_sent"`
	Errored     int            `json:"errored"`
	Results     []TargetResult `json:"results"`
}

func (s *Summary) add(r TargetResult) {
	switch r.Outcome {
	case OutcomeSent:
		s.Sent++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeAlreadySent:
		s.AlreadySent++
	case OutcomeErrored:
		s.Errored++
	}
	s.Results = append(s.Results, r)
}

// Processed is the number of targets that reached an outcome.
func (s Summary) Processed() int {
	return s.Sent + s.Failed + s.Skipped + s.AlreadySent + s.Errored
}

// Progress is reported after each batch completes.
type Progress struct {
	Batch       int `json:"batch"`
	Batches     int `json:"batches"`
	Processed   int `json:"processed"`
	Total       int `json:"total"`
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	AlreadySent int `json:"already_sent"`
}

type ProgressFunc func(Progress)
