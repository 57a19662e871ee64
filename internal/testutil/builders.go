package testutil

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/latticeworks/dispatchq/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	orgID := uuid.NewString()
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			JobType:     "export",
			OrgID:       &orgID,
			Priority:    50,
			Params:      json.RawMessage(`{"target": "s3://example-bucket/out"}`),
			MaxAttempts: 3,
		},
	}
}

// WithType sets the job type.
func (b *JobRequestBuilder) WithType(jobType string) *JobRequestBuilder {
	b.req.JobType = jobType
	return b
}

// WithOrgID sets the tenant identifier.
func (b *JobRequestBuilder) WithOrgID(orgID string) *JobRequestBuilder {
	b.req.OrgID = &orgID
	return b
}

// WithoutOrgID clears the tenant identifier for single-tenant deployments.
func (b *JobRequestBuilder) WithoutOrgID() *JobRequestBuilder {
	b.req.OrgID = nil
	return b
}

// WithObjectID sets the related object identifier.
func (b *JobRequestBuilder) WithObjectID(objectID string) *JobRequestBuilder {
	b.req.ObjectID = &objectID
	return b
}

// WithPriority sets the job priority.
func (b *JobRequestBuilder) WithPriority(priority int) *JobRequestBuilder {
	b.req.Priority = priority
	return b
}

// WithQueue sets the queue partition.
func (b *JobRequestBuilder) WithQueue(queue string) *JobRequestBuilder {
	b.req.Queue = queue
	return b
}

// WithParams sets the job payload.
func (b *JobRequestBuilder) WithParams(params json.RawMessage) *JobRequestBuilder {
	b.req.Params = params
	return b
}

// WithParamsString sets the job payload from a string.
func (b *JobRequestBuilder) WithParamsString(params string) *JobRequestBuilder {
	b.req.Params = json.RawMessage(params)
	return b
}

// WithMaxAttempts sets the retry budget.
func (b *JobRequestBuilder) WithMaxAttempts(maxAttempts int) *JobRequestBuilder {
	b.req.MaxAttempts = maxAttempts
	return b
}

// WithIdempotencyKey sets the idempotency key.
func (b *JobRequestBuilder) WithIdempotencyKey(key string) *JobRequestBuilder {
	b.req.IdempotencyKey = &key
	return b
}

// WithCreatedByUserID sets the creating user.
func (b *JobRequestBuilder) WithCreatedByUserID(userID string) *JobRequestBuilder {
	b.req.CreatedByUserID = &userID
	return b
}

// WithBillingEstimate sets the billing estimate.
func (b *JobRequestBuilder) WithBillingEstimate(estimate float64) *JobRequestBuilder {
	b.req.BillingEstimate = &estimate
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}
