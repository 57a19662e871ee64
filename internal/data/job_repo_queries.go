package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/latticeworks/dispatchq/internal/data/pgxutil"
	"github.com/latticeworks/dispatchq/internal/domain/model"
)

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE id = $1
		`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		j, cerr := collectJobFromRows(rows)
		if cerr != nil {
			return cerr
		}
		job = j
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetByIdempotencyKey retrieves the job holding the given idempotency key.
func (r *JobRepo) GetByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	if key == "" {
		return nil, errors.New("idempotency key is required")
	}

	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE idempotency_key = $1
		`, key)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		j, cerr := collectJobFromRows(rows)
		if cerr != nil {
			return cerr
		}
		job = j
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by idempotency key: %w", err)
	}
	return job, nil
}

// Stats returns per-status counts for jobs in the given queue.
func (r *JobRepo) Stats(ctx context.Context, queue string) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'queued')      AS queued,
    count(*) FILTER (WHERE status = 'running')     AS running,
    count(*) FILTER (WHERE status = 'retrying')    AS retrying,
    count(*) FILTER (WHERE status = 'completed')   AS completed,
    count(*) FILTER (WHERE status = 'failed')      AS failed,
    count(*) FILTER (WHERE status = 'dead_letter') AS dead_letter,
    count(*) FILTER (WHERE status = 'cancelled')   AS cancelled
  FROM jobs
  WHERE queue = $1
  `, queue).Scan(
		&s.Queued,
		&s.Running,
		&s.Retrying,
		&s.Completed,
		&s.Failed,
		&s.DeadLetter,
		&s.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}

// jobFilterQueryBuilder accumulates WHERE clauses with positional args.
type jobFilterQueryBuilder struct {
	where  string
	args   []any
	argIdx int
}

func (b *jobFilterQueryBuilder) addFilter(expr string, value any) {
	b.where += fmt.Sprintf(" AND %s $%d", expr, b.argIdx)
	b.args = append(b.args, value)
	b.argIdx++
}

func buildJobListFilters(opts *model.JobListOptions) *jobFilterQueryBuilder {
	builder := &jobFilterQueryBuilder{
		where:  " WHERE 1=1",
		args:   []any{},
		argIdx: 1,
	}

	if opts.Status != nil && *opts.Status != "" {
		builder.addFilter("status =", string(*opts.Status))
	}
	if opts.JobType != nil && *opts.JobType != "" {
		builder.addFilter("job_type =", *opts.JobType)
	}
	if opts.OrgID != nil && *opts.OrgID != "" {
		builder.addFilter("org_id =", *opts.OrgID)
	}
	if opts.Queue != nil && *opts.Queue != "" {
		builder.addFilter("queue =", *opts.Queue)
	}
	if opts.ObjectID != nil && *opts.ObjectID != "" {
		builder.addFilter("object_id =", *opts.ObjectID)
	}
	if opts.CreatedAfter != nil {
		builder.addFilter("created_at >=", opts.CreatedAfter.UTC())
	}
	if opts.CreatedBefore != nil {
		builder.addFilter("created_at <=", opts.CreatedBefore.UTC())
	}

	return builder
}

func jobListOrderBy(opts *model.JobListOptions) string {
	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	sortOrder := opts.SortOrder
	if sortOrder == "" {
		sortOrder = "desc"
	}

	validSortFields := map[string]string{
		"created_at": "created_at",
		"status":     "status",
	}

	dbField, ok := validSortFields[sortBy]
	if !ok {
		return " ORDER BY created_at DESC, id DESC"
	}
	if sortOrder == "asc" {
		return fmt.Sprintf(" ORDER BY %s ASC, id ASC", dbField)
	}
	return fmt.Sprintf(" ORDER BY %s DESC, id DESC", dbField)
}

// List returns one page of jobs matching the filter options, together with
// the unpaginated total. When PayloadQuery is set, the JMESPath expression is
// evaluated against each returned job's params and non-matching rows are
// dropped from the page; the total still reflects the SQL filters only.
func (r *JobRepo) List(ctx context.Context, opts *model.JobListOptions) (*model.JobPage, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50 // Default limit
	}
	if limit > 1000 {
		limit = 1000 // Max limit
	}
	offset := max(opts.Offset, 0)

	builder := buildJobListFilters(opts)

	var payloadMatcher func(json.RawMessage) (bool, error)
	if opts.PayloadQuery != "" {
		compiled, err := jmespath.Compile(opts.PayloadQuery)
		if err != nil {
			return nil, fmt.Errorf("compile payload query: %w", err)
		}
		payloadMatcher = func(raw json.RawMessage) (bool, error) {
			var doc any
			if uerr := json.Unmarshal(raw, &doc); uerr != nil {
				return false, uerr
			}
			res, serr := compiled.Search(doc)
			if serr != nil {
				return false, serr
			}
			return isTruthy(res), nil
		}
	}

	countQuery := `SELECT COUNT(*) FROM jobs` + builder.where
	listQuery := `SELECT ` + jobColumns + ` FROM jobs` + builder.where +
		jobListOrderBy(opts) +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", builder.argIdx, builder.argIdx+1)
	listArgs := append(append([]any{}, builder.args...), limit, offset)

	page := &model.JobPage{Jobs: []*model.Job{}}
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		if scanErr := conn.QueryRow(ctx, countQuery, builder.args...).Scan(&page.Total); scanErr != nil {
			return fmt.Errorf("count jobs: %w", scanErr)
		}

		rows, qerr := conn.Query(ctx, listQuery, listArgs...)
		if qerr != nil {
			return fmt.Errorf("query jobs: %w", qerr)
		}
		defer rows.Close()

		for rows.Next() {
			job, scanErr := scanJobFromRow(rows)
			if scanErr != nil {
				return fmt.Errorf("scan job: %w", scanErr)
			}
			if payloadMatcher != nil {
				ok, merr := payloadMatcher(job.Params)
				if merr != nil {
					return fmt.Errorf("evaluate payload query: %w", merr)
				}
				if !ok {
					continue
				}
			}
			page.Jobs = append(page.Jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return page, nil
}

// isTruthy mirrors JMESPath truthiness: false, null, empty strings,
// empty collections are falsy.
func isTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
