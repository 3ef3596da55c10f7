package models

import "time"

// SentimentBreakdown counts reviews per sentiment class.
type SentimentBreakdown struct {
	Positive int `json:"positive"`
	Neutral  int `json:"neutral"`
	Negative int `json:"negative"`
}

func (s SentimentBreakdown) Total() int {
	return s.Positive + s.Neutral + s.Negative
}

// AnalysisResult is written once per successful job and keyed by job id. A Provisional
// result carries timing only and is replaced by the first full result delivered for the job.
type AnalysisResult struct {
	JobID            string             `gorm:"primaryKey;size:36" json:"job_id"`
	Target           string             `gorm:"size:128;index;not null" json:"target"`
	Sentiment        SentimentBreakdown `gorm:"embedded;embeddedPrefix:sentiment_" json:"sentiment_breakdown"`
	Summary          string             `gorm:"type:text" json:"summary"`
	Keywords         []string           `gorm:"serializer:json;type:text" json:"keywords"`
	ReviewCount      int                `json:"review_count"`
	Rating           float64            `json:"rating"`
	ProcessingTimeMs int64              `json:"processing_time_ms"`
	Provisional      bool               `gorm:"default:false" json:"provisional,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

func (AnalysisResult) TableName() string { return "analysis_results" }
