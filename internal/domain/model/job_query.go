package model

import "time"

// JobListOptions holds filters, sorting, and pagination for the admin job list.
type JobListOptions struct {
	Status        *JobStatus
	JobType       *string
	OrgID         *string
	Queue         *string
	ObjectID      *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	// PayloadQuery is an optional JMESPath expression evaluated against each
	// job's params; rows where the expression yields a falsy result are dropped.
	PayloadQuery string

	SortBy    string // created_at | status
	SortOrder string // asc | desc
	Limit     int
	Offset    int
}

// JobPage is one page of an admin job listing together with the unpaginated total.
type JobPage struct {
	Jobs  []*Job `json:"jobs"`
	Total int    `json:"total"`
}
