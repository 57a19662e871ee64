package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func fieldOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}

func TestMapDBError_NilError(t *testing.T) {
	if err := MapDBError(nil); err != nil {
		t.Errorf("MapDBError(nil) = %v, want nil", err)
	}
}

func TestMapDBError_ContextErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{
			name:     "deadline exceeded",
			err:      context.DeadlineExceeded,
			wantCode: ErrCodeTimeout,
		},
		{
			name:     "canceled",
			err:      context.Canceled,
			wantCode: ErrCodeCanceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.err)
			if !IsCode(err, tt.wantCode) {
				t.Errorf("MapDBError() code = %v, want %v", CodeOf(err), tt.wantCode)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("MapDBError() should wrap the original error")
			}
		})
	}
}

func TestMapDBError_NoRows(t *testing.T) {
	err := MapDBError(pgx.ErrNoRows)
	if !IsCode(err, ErrCodeNotFound) {
		t.Errorf("MapDBError(pgx.ErrNoRows) should be NotFound, got %v", CodeOf(err))
	}
}

func TestMapDBError_UniqueViolation(t *testing.T) {
	tests := []struct {
		name      string
		pgErr     *pgconn.PgError
		wantField string
	}{
		{
			name: "unique violation with column name",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "jobs_idempotency_key_uidx",
				ColumnName:     "idempotency_key",
			},
			wantField: "idempotency_key",
		},
		{
			name: "unique violation with Detail message",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "jobs_idempotency_key_uidx",
				Detail:         `Key (idempotency_key)=(export-2025-06-01) already exists.`,
			},
			wantField: "idempotency_key",
		},
		{
			name: "unique violation with multi-column Detail",
			pgErr: &pgconn.PgError{
				Code:   pgerrcode.UniqueViolation,
				Detail: `Key (queue, job_type)=(default, export) already exists.`,
			},
			wantField: "queue, job_type",
		},
		{
			name: "unique violation without column or detail",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "jobs_idempotency_key_uidx",
			},
			wantField: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.pgErr)
			if !IsCode(err, ErrCodeConflict) {
				t.Errorf("MapDBError() should be Conflict, got %v", CodeOf(err))
			}
			if field := fieldOf(err); field != tt.wantField {
				t.Errorf("MapDBError() field = %v, want %v", field, tt.wantField)
			}
		})
	}
}

func TestMapDBError_ConstraintViolations(t *testing.T) {
	tests := []struct {
		name      string
		pgErr     *pgconn.PgError
		wantField string
	}{
		{
			name: "not null violation with column name",
			pgErr: &pgconn.PgError{
				Code:       pgerrcode.NotNullViolation,
				ColumnName: "job_type",
			},
			wantField: "job_type",
		},
		{
			name: "not null violation without column name",
			pgErr: &pgconn.PgError{
				Code: pgerrcode.NotNullViolation,
			},
			wantField: "",
		},
		{
			name: "check violation with column name",
			pgErr: &pgconn.PgError{
				Code:       pgerrcode.CheckViolation,
				ColumnName: "progress",
			},
			wantField: "progress",
		},
		{
			name: "check violation without column name",
			pgErr: &pgconn.PgError{
				Code: pgerrcode.CheckViolation,
			},
			wantField: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.pgErr)
			if !IsCode(err, ErrCodeValidation) {
				t.Errorf("MapDBError() should be Validation, got %v", CodeOf(err))
			}
			if field := fieldOf(err); field != tt.wantField {
				t.Errorf("MapDBError() field = %v, want %v", field, tt.wantField)
			}
		})
	}
}

func TestMapDBError_UnknownPgError(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:    "99999",
		Message: "unknown error",
	}
	err := MapDBError(pgErr)
	if !IsCode(err, ErrCodeInternal) {
		t.Errorf("MapDBError() should be Internal for unknown pg error, got %v", CodeOf(err))
	}
}

func TestMapDBError_WrappedPgError(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:       pgerrcode.NotNullViolation,
		ColumnName: "org_id",
	}
	err := MapDBError(fmt.Errorf("insert job: %w", pgErr))
	if !IsCode(err, ErrCodeValidation) {
		t.Errorf("MapDBError() should unwrap to the pg error, got %v", CodeOf(err))
	}
	if field := fieldOf(err); field != "org_id" {
		t.Errorf("MapDBError() field = %v, want org_id", field)
	}
}

func TestMapDBError_StandardError(t *testing.T) {
	stdErr := errors.New("standard error")
	err := MapDBError(stdErr)
	if !errors.Is(err, stdErr) {
		t.Errorf("MapDBError() should return original error for non-db errors, got %v", err)
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		t.Errorf("MapDBError() should not wrap unrecognized errors, got %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	uidx := &pgconn.PgError{
		Code:           pgerrcode.UniqueViolation,
		ConstraintName: "jobs_idempotency_key_uidx",
	}

	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{
			name:       "matching constraint",
			err:        uidx,
			constraint: "jobs_idempotency_key_uidx",
			want:       true,
		},
		{
			name:       "any constraint",
			err:        uidx,
			constraint: "",
			want:       true,
		},
		{
			name:       "different constraint",
			err:        uidx,
			constraint: "jobs_pkey",
			want:       false,
		},
		{
			name:       "wrapped pg error",
			err:        fmt.Errorf("insert job: %w", uidx),
			constraint: "jobs_idempotency_key_uidx",
			want:       true,
		},
		{
			name:       "mapped app error still unwraps",
			err:        MapDBError(uidx),
			constraint: "jobs_idempotency_key_uidx",
			want:       true,
		},
		{
			name:       "non unique pg error",
			err:        &pgconn.PgError{Code: pgerrcode.NotNullViolation},
			constraint: "",
			want:       false,
		},
		{
			name:       "non pg error",
			err:        errors.New("boom"),
			constraint: "",
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err, tt.constraint); got != tt.want {
				t.Errorf("IsUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}
