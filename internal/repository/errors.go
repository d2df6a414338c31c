package repository

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorClass tags a persistence failure so downstream code matches on an
// explicit enum instead of probing driver-specific error shapes.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassNotFound
	ClassConflict
	ClassConnection
	ClassSchema
	ClassOther
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	case ClassConnection:
		return "connection"
	case ClassSchema:
		return "schema"
	case ClassOther:
		return "other"
	default:
		return "none"
	}
}

// Infrastructure reports whether the class indicates the database itself is
// unreachable or not set up, as opposed to a data-level outcome.
func (c ErrorClass) Infrastructure() bool {
	return c == ClassConnection || c == ClassSchema
}

// Classify maps a raw persistence error to its class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ClassNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return ClassConflict
		case pgErr.Code == "42P01" || pgErr.Code == "42703" || strings.HasPrefix(pgErr.Code, "3D") || strings.HasPrefix(pgErr.Code, "3F"):
			return ClassSchema
		case strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "28") || strings.HasPrefix(pgErr.Code, "57"):
			return ClassConnection
		default:
			return ClassOther
		}
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return ClassConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassConnection
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassConnection
	}
	return ClassOther
}
