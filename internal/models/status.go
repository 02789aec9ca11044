package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State enumerates import lifecycle states persisted in the status record.
type State string

const (
	StateStarted     State = "started"
	StateOngoing     State = "ongoing"
	StateFinished    State = "finished"
	StateErrored     State = "errored"
	StateRateLimited State = "rate_limited"
	// StateKilled is derived while reading statuses and is never stored.
	StateKilled State = "killed"
)

// Persisted reports whether s may appear in a stored record.
func (s State) Persisted() bool {
	switch s {
	case StateStarted, StateOngoing, StateFinished, StateErrored, StateRateLimited:
		return true
	}
	return false
}

// Running reports whether the record claims a worker is processing it.
func (s State) Running() bool {
	return s == StateStarted || s == StateOngoing
}

// SourceInfo identifies the remote analytics property being imported.
type SourceInfo struct {
	Property string `json:"property"`
	Account  string `json:"account"`
	View     string `json:"view"`
}

// Pretty renders the source the way operators see it in listings.
func (s SourceInfo) Pretty() string {
	return "Property: " + s.Property + "\nAccount: " + s.Account + "\nView: " + s.View
}

// Dimension is one extra custom dimension configured for the import.
type Dimension struct {
	Dimension string `json:"dimension"`
	Scope     string `json:"dimensionScope"`
}

// JobStatus is the status record of one site's import.
type JobStatus struct {
	SiteID                     int64
	State                      State
	Source                     SourceInfo
	LastDateImported           Date
	ImportStartTime            time.Time
	ImportEndTime              *time.Time
	LastJobStartTime           time.Time
	LastDayArchived            Date
	ImportRangeStart           Date
	ImportRangeEnd             Date
	ExtraCustomDimensions      []Dimension
	// DaysFinishedSinceRateLimit is nil when the record holds no integer
	// counter. Any other stored value is kept as is in rawDaysFinished.
	DaysFinishedSinceRateLimit *int
	// ReimportRanges is nil when the record has no queue field at all.
	ReimportRanges          []DateRange
	ErrorMessage            *string
	IsVerboseLoggingEnabled *bool

	rawDaysFinished json.RawMessage
}

// CorruptRecordError is returned when a stored record cannot be decoded
// into a valid JobStatus.
type CorruptRecordError struct {
	Key    string
	Reason string
}

func (e *CorruptRecordError) Error() string {
	if e.Key == "" {
		return "corrupt status record: " + e.Reason
	}
	return fmt.Sprintf("corrupt status record %s: %s", e.Key, e.Reason)
}

// record is the stored wire shape. Pointers distinguish absent fields.
type record struct {
	Status                     *State          `json:"status"`
	IDSite                     *int64          `json:"idSite"`
	GA                         *SourceInfo     `json:"ga,omitempty"`
	LastDateImported           Date            `json:"last_date_imported"`
	ImportStartTime            *int64          `json:"import_start_time"`
	ImportEndTime              *int64          `json:"import_end_time"`
	LastJobStartTime           *int64          `json:"last_job_start_time"`
	LastDayArchived            Date            `json:"last_day_archived"`
	ImportRangeStart           Date            `json:"import_range_start"`
	ImportRangeEnd             Date            `json:"import_range_end"`
	ExtraCustomDimensions      []Dimension     `json:"extra_custom_dimensions"`
	DaysFinishedSinceRateLimit json.RawMessage `json:"days_finished_since_rate_limit,omitempty"`
	ReimportRanges             []DateRange     `json:"reimport_ranges,omitempty"`
	Error                      *string         `json:"error,omitempty"`
	IsVerboseLoggingEnabled    *bool           `json:"is_verbose_logging_enabled,omitempty"`
}

func (s JobStatus) MarshalJSON() ([]byte, error) {
	state := s.State
	site := s.SiteID
	start := s.ImportStartTime.Unix()
	jobStart := s.LastJobStartTime.Unix()
	src := s.Source
	r := record{
		Status:                     &state,
		IDSite:                     &site,
		GA:                         &src,
		LastDateImported:           s.LastDateImported,
		ImportStartTime:            &start,
		LastJobStartTime:           &jobStart,
		LastDayArchived:            s.LastDayArchived,
		ImportRangeStart:           s.ImportRangeStart,
		ImportRangeEnd:             s.ImportRangeEnd,
		ExtraCustomDimensions:      s.ExtraCustomDimensions,
		DaysFinishedSinceRateLimit: s.rawDaysFinished,
		ReimportRanges:             s.ReimportRanges,
		Error:                      s.ErrorMessage,
		IsVerboseLoggingEnabled:    s.IsVerboseLoggingEnabled,
	}
	if r.ExtraCustomDimensions == nil {
		r.ExtraCustomDimensions = []Dimension{}
	}
	if s.DaysFinishedSinceRateLimit != nil {
		r.DaysFinishedSinceRateLimit = json.RawMessage(strconv.Itoa(*s.DaysFinishedSinceRateLimit))
	}
	if s.ImportEndTime != nil {
		end := s.ImportEndTime.Unix()
		r.ImportEndTime = &end
	}
	// keep an empty queue distinguishable from a missing one
	if s.ReimportRanges != nil && len(s.ReimportRanges) == 0 {
		return marshalWithEmptyQueue(r)
	}
	return json.Marshal(r)
}

func marshalWithEmptyQueue(r record) ([]byte, error) {
	type alias record
	return json.Marshal(struct {
		alias
		ReimportRanges []DateRange `json:"reimport_ranges"`
	}{alias: alias(r), ReimportRanges: []DateRange{}})
}

func (s *JobStatus) UnmarshalJSON(b []byte) error {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return &CorruptRecordError{Reason: err.Error()}
	}
	var missing []string
	if r.IDSite == nil {
		missing = append(missing, "idSite")
	}
	if r.Status == nil {
		missing = append(missing, "status")
	}
	if r.ImportStartTime == nil {
		missing = append(missing, "import_start_time")
	}
	if r.LastJobStartTime == nil {
		missing = append(missing, "last_job_start_time")
	}
	if len(missing) > 0 {
		return &CorruptRecordError{Reason: "missing " + strings.Join(missing, ", ")}
	}
	if !r.Status.Persisted() {
		return &CorruptRecordError{Reason: fmt.Sprintf("unknown status %q", *r.Status)}
	}

	out := JobStatus{
		SiteID:                     *r.IDSite,
		State:                      *r.Status,
		LastDateImported:           r.LastDateImported,
		ImportStartTime:            time.Unix(*r.ImportStartTime, 0).UTC(),
		LastJobStartTime:           time.Unix(*r.LastJobStartTime, 0).UTC(),
		LastDayArchived:            r.LastDayArchived,
		ImportRangeStart:           r.ImportRangeStart,
		ImportRangeEnd:             r.ImportRangeEnd,
		ExtraCustomDimensions:      r.ExtraCustomDimensions,
		ReimportRanges:             r.ReimportRanges,
		ErrorMessage:               r.Error,
		IsVerboseLoggingEnabled:    r.IsVerboseLoggingEnabled,
	}
	if r.GA != nil {
		out.Source = *r.GA
	}
	if raw := r.DaysFinishedSinceRateLimit; len(raw) > 0 && string(raw) != "null" {
		if n, err := strconv.Atoi(string(raw)); err == nil {
			out.DaysFinishedSinceRateLimit = &n
		} else {
			out.rawDaysFinished = raw
		}
	}
	if r.ImportEndTime != nil {
		end := time.Unix(*r.ImportEndTime, 0).UTC()
		out.ImportEndTime = &end
	}
	*s = out
	return nil
}

// DecodeStatus parses a stored record, tagging corruption errors with key.
func DecodeStatus(key string, raw []byte) (JobStatus, error) {
	var s JobStatus
	if err := json.Unmarshal(raw, &s); err != nil {
		var corrupt *CorruptRecordError
		if errors.As(err, &corrupt) {
			corrupt.Key = key
			return JobStatus{}, corrupt
		}
		return JobStatus{}, &CorruptRecordError{Key: key, Reason: err.Error()}
	}
	return s, nil
}
