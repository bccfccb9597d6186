package models

import (
	"time"
)

type Experiment struct {
	ID        uint      `json:"experiment_id" gorm:"primaryKey; autoIncrement"`
	Title     string    `json:"title" gorm:"type:varchar(255); index; not null"`
	CreatedAt time.Time `json:"created_at"`
}

type ExperimentList struct {
	Total       int64        `json:"total"`
	Experiments []Experiment `json:"experiments"`
}

//
// WorkUnit records one work unit of an experiment and the jobs it launched.
// (experiment_id, unit_index) is unique; recording again replaces status and jobs.
//
type WorkUnit struct {
	ID           uint       `json:"-" gorm:"primaryKey; autoIncrement"`
	ExperimentID uint       `json:"experiment_id" gorm:"index:experiment_unit_ix,unique; not null"`
	Index        int        `json:"index" gorm:"column:unit_index; index:experiment_unit_ix,unique"`
	Status       string     `json:"status" gorm:"type:varchar(32)"`
	Jobs         JobRecords `json:"jobs"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
