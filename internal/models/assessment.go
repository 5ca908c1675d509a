package models

import "time"

// Assessment is the catalog entry a submission is started against
type Assessment struct {
	ID              string     `yaml:"id" json:"id"`
	Title           string     `yaml:"title" json:"title"`
	Description     string     `yaml:"description" json:"description"`
	DurationMinutes int        `yaml:"duration_minutes" json:"duration_minutes"`
	QuestionCount   int        `yaml:"question_count" json:"question_count"`
	AllowRetake     bool       `yaml:"allow_retake" json:"allow_retake"`
	AutoCreated     bool       `yaml:"auto_created" json:"auto_created"`
	CreatedAt       time.Time  `yaml:"-" json:"created_at"`
	ArchivedAt      *time.Time `yaml:"-" json:"archived_at,omitempty"`
}

// Duration returns the time limit as a time.Duration
func (a *Assessment) Duration() time.Duration {
	return time.Duration(a.DurationMinutes) * time.Minute
}

// IsArchived returns true once the archival job has retired the assessment
func (a *Assessment) IsArchived() bool {
	return a.ArchivedAt != nil
}
