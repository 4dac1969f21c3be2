package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/utils"
)

type RiskLevel string

const (
	RiskLevelHigh   RiskLevel = "high"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelLow    RiskLevel = "low"
)

// NormalizeRiskLevel maps free text to a risk level; anything but high/low is medium.
func NormalizeRiskLevel(raw string) RiskLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high":
		return RiskLevelHigh
	case "low":
		return RiskLevelLow
	default:
		return RiskLevelMedium
	}
}

func (r RiskLevel) IsValid() bool {
	return r == RiskLevelHigh || r == RiskLevelMedium || r == RiskLevelLow
}

type CurrentStatus string

const (
	CurrentStatusToBeReceived      CurrentStatus = "To Be Received"
	CurrentStatusPartiallyReceived CurrentStatus = "Partially Received"
	CurrentStatusReceived          CurrentStatus = "Received"
	CurrentStatusClosed            CurrentStatus = "Closed"
)

// NormalizeCurrentStatus maps imported status text:
// contains "partially" -> Partially Received, else contains "received" -> Received, else To Be Received.
func NormalizeCurrentStatus(raw string) CurrentStatus {
	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "partially"):
		return CurrentStatusPartiallyReceived
	case strings.Contains(s, "received"):
		return CurrentStatusReceived
	default:
		return CurrentStatusToBeReceived
	}
}

func (s CurrentStatus) IsValid() bool {
	switch s {
	case CurrentStatusToBeReceived, CurrentStatusPartiallyReceived, CurrentStatusReceived, CurrentStatusClosed:
		return true
	}
	return false
}

type EvidenceStatus string

const (
	EvidenceStatusAccepted          EvidenceStatus = "Accepted"
	EvidenceStatusPartiallyAccepted EvidenceStatus = "Partially Accepted"
	EvidenceStatusInsufficient      EvidenceStatus = "Insufficient"
)

// ParseEvidenceStatus accepts only the exact review outcomes.
func ParseEvidenceStatus(raw string) (EvidenceStatus, error) {
	switch s := EvidenceStatus(strings.TrimSpace(raw)); s {
	case EvidenceStatusAccepted, EvidenceStatusPartiallyAccepted, EvidenceStatusInsufficient:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", utils.ErrorInvalidEvidenceStatus, raw)
}

// CurrentStatusFor is the only place the review outcome is translated into workflow status.
func CurrentStatusFor(status EvidenceStatus) CurrentStatus {
	switch status {
	case EvidenceStatusAccepted:
		return CurrentStatusReceived
	case EvidenceStatusPartiallyAccepted:
		return CurrentStatusPartiallyReceived
	default:
		return CurrentStatusToBeReceived
	}
}

type StakeholderRole string

const (
	StakeholderRolePersonResponsible StakeholderRole = "person_responsible"
	StakeholderRoleApprover          StakeholderRole = "approver"
	StakeholderRoleCxoResponsible    StakeholderRole = "cxo_responsible"
	StakeholderRoleCoOwner           StakeholderRole = "co_owner"
)

type EvidenceKind string

const (
	EvidenceKindFile EvidenceKind = "file"
	EvidenceKindText EvidenceKind = "text"
)

type ActivityKind string

const (
	ActivityKindReview   ActivityKind = "review"
	ActivityKindEvidence ActivityKind = "evidence"
	ActivityKindComment  ActivityKind = "comment"
	ActivityKindStatus   ActivityKind = "status"
)

// EmailList decodes from either a JSON array or a comma/semicolon delimited string.
type EmailList []string

func (l *EmailList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		*l = utils.SplitEmails(raw)
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return errors.New("email list must be a string or an array of strings")
	}
	*l = utils.SplitEmails(strings.Join(items, ","))
	return nil
}

func (l EmailList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

func (l EmailList) String() string {
	return strings.Join(l, ", ")
}

func (l EmailList) Contains(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, e := range l {
		if e == email {
			return true
		}
	}
	return false
}

// MyDate is a calendar date serialized as "2006-01-02".
type MyDate time.Time

const dateLayout = "2006-01-02"

var dateLayouts = []string{dateLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", "1/2/2006", "1/2/06", "01-02-06", "2-Jan-2006", "02-Jan-06"}

// ParseMyDate accepts ISO dates, RFC3339 timestamps and common spreadsheet renderings.
func ParseMyDate(raw string) (MyDate, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return NewMyDate(t), nil
		}
	}
	return MyDate{}, fmt.Errorf("invalid date %q", raw)
}

func NewMyDate(t time.Time) MyDate {
	return MyDate(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC))
}

func (d MyDate) Time() time.Time {
	return time.Time(d)
}

func (d MyDate) String() string {
	return time.Time(d).Format(dateLayout)
}

func (d MyDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *MyDate) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.New("date must be a string")
	}
	parsed, err := ParseMyDate(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d MyDate) Value() (driver.Value, error) {
	return time.Time(d), nil
}

func (d *MyDate) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*d = MyDate{}
	case time.Time:
		*d = NewMyDate(v)
	case []byte:
		parsed, err := ParseMyDate(string(v))
		if err != nil {
			return err
		}
		*d = parsed
	case string:
		parsed, err := ParseMyDate(v)
		if err != nil {
			return err
		}
		*d = parsed
	default:
		return fmt.Errorf("cannot scan %T into MyDate", value)
	}
	return nil
}
