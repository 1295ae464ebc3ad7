// Package schedule decides when recurring automation jobs are due.
//
// It owns the schedule mini-language, the automation job store and the
// ticker that turns due jobs into scheduler events.
package schedule

import (
	"strings"

	"github.com/teranos/polar/errors"
)

// Job is a recurring automation job.
type Job struct {
	ID             string      `json:"id"`
	OwnerUserID    string      `json:"ownerUserId"`
	SessionID      string      `json:"sessionId"`
	Schedule       string      `json:"schedule"`
	PromptTemplate string      `json:"promptTemplate"`
	Enabled        bool        `json:"enabled"`
	QuietHours     *QuietHours `json:"quietHours,omitempty"`
	Limits         *Limits     `json:"limits,omitempty"`
	CreatedAtMs    int64       `json:"createdAtMs"`
	UpdatedAtMs    int64       `json:"updatedAtMs"`
}

// QuietHours is a [StartHour, EndHour) window in UTC hours during which the
// job is never due. Timezone is carried for display only.
type QuietHours struct {
	StartHour int    `json:"startHour" yaml:"startHour" toml:"startHour"`
	EndHour   int    `json:"endHour" yaml:"endHour" toml:"endHour"`
	Timezone  string `json:"timezone,omitempty" yaml:"timezone" toml:"timezone"`
}

// Limits caps how often a job may run.
type Limits struct {
	// MaxNotificationsPerDay caps runs per UTC day; 0 means unlimited.
	MaxNotificationsPerDay int `json:"maxNotificationsPerDay" yaml:"maxNotificationsPerDay" toml:"maxNotificationsPerDay"`
}

// DueJob is a job selected by ListDueJobs with the values that made it due.
type DueJob struct {
	Job         *Job  `json:"job"`
	NextDueAtMs int64 `json:"nextDueAtMs"`
	BaselineMs  int64 `json:"baselineMs"`
	RunsToday   int   `json:"runsToday"`
}

// CreateJobRequest carries the fields accepted by CreateJob.
type CreateJobRequest struct {
	ID             string      `json:"id,omitempty" yaml:"id" toml:"id"`
	OwnerUserID    string      `json:"ownerUserId" yaml:"ownerUserId" toml:"ownerUserId"`
	SessionID      string      `json:"sessionId" yaml:"sessionId" toml:"sessionId"`
	Schedule       string      `json:"schedule" yaml:"schedule" toml:"schedule"`
	PromptTemplate string      `json:"promptTemplate" yaml:"promptTemplate" toml:"promptTemplate"`
	Enabled        *bool       `json:"enabled,omitempty" yaml:"enabled" toml:"enabled"`
	QuietHours     *QuietHours `json:"quietHours,omitempty" yaml:"quietHours" toml:"quietHours"`
	Limits         *Limits     `json:"limits,omitempty" yaml:"limits" toml:"limits"`
}

// Validate checks the request and returns the normalized schedule.
func (r *CreateJobRequest) Validate() (string, error) {
	v := errors.NewValidationError("createJob")
	if strings.TrimSpace(r.OwnerUserID) == "" {
		v.Add("ownerUserId", "is required")
	}
	if strings.TrimSpace(r.SessionID) == "" {
		v.Add("sessionId", "is required")
	}
	if strings.TrimSpace(r.PromptTemplate) == "" {
		v.Add("promptTemplate", "is required")
	}
	schedule, err := NormalizeSchedule(r.Schedule)
	if err != nil {
		v.Issues = append(v.Issues, scheduleIssues(err)...)
	}
	validateQuietHours(v, r.QuietHours)
	validateLimits(v, r.Limits)
	return schedule, v.Err()
}

// UpdateJobRequest carries a partial update; nil fields are left unchanged.
// ClearQuietHours and ClearLimits remove the optional settings.
type UpdateJobRequest struct {
	Schedule        *string     `json:"schedule,omitempty"`
	PromptTemplate  *string     `json:"promptTemplate,omitempty"`
	Enabled         *bool       `json:"enabled,omitempty"`
	QuietHours      *QuietHours `json:"quietHours,omitempty"`
	ClearQuietHours bool        `json:"clearQuietHours,omitempty"`
	Limits          *Limits     `json:"limits,omitempty"`
	ClearLimits     bool        `json:"clearLimits,omitempty"`
}

// Validate checks the request and returns the normalized schedule when one is set.
func (r *UpdateJobRequest) Validate() (string, error) {
	v := errors.NewValidationError("updateJob")
	var schedule string
	if r.Schedule != nil {
		normalized, err := NormalizeSchedule(*r.Schedule)
		if err != nil {
			v.Issues = append(v.Issues, scheduleIssues(err)...)
		}
		schedule = normalized
	}
	if r.PromptTemplate != nil && strings.TrimSpace(*r.PromptTemplate) == "" {
		v.Add("promptTemplate", "must not be empty")
	}
	if r.QuietHours != nil && r.ClearQuietHours {
		v.Add("quietHours", "cannot be set and cleared in the same update")
	}
	if r.Limits != nil && r.ClearLimits {
		v.Add("limits", "cannot be set and cleared in the same update")
	}
	validateQuietHours(v, r.QuietHours)
	validateLimits(v, r.Limits)
	return schedule, v.Err()
}

// ListJobsFilter narrows ListJobs.
type ListJobsFilter struct {
	OwnerUserID string
	SessionID   string
	Enabled     *bool
	Limit       int
}

func validateQuietHours(v *errors.ValidationError, q *QuietHours) {
	if q == nil {
		return
	}
	if q.StartHour < 0 || q.StartHour > 23 {
		v.Add("quietHours.startHour", "must be between 0 and 23, got %d", q.StartHour)
	}
	if q.EndHour < 0 || q.EndHour > 23 {
		v.Add("quietHours.endHour", "must be between 0 and 23, got %d", q.EndHour)
	}
}

func validateLimits(v *errors.ValidationError, l *Limits) {
	if l != nil && l.MaxNotificationsPerDay < 0 {
		v.Add("limits.maxNotificationsPerDay", "must not be negative, got %d", l.MaxNotificationsPerDay)
	}
}

func scheduleIssues(err error) []errors.Issue {
	if ve, ok := errors.AsValidationError(err); ok {
		return ve.Issues
	}
	return []errors.Issue{{Field: "schedule", Message: err.Error()}}
}
