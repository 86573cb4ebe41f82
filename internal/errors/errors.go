package errors

import (
	"fmt"
	"strings"
	"time"
)

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// Database errors

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseMigration struct {
	Version int
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration %d failed: %v", e.Version, e.Err)
}

func (e *ErrDatabaseMigration) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// Server errors

type ErrServerStart struct {
	Addr string
	Err  error
}

func (e *ErrServerStart) Error() string {
	return fmt.Sprintf("failed to start server on %s: %v", e.Addr, e.Err)
}

func (e *ErrServerStart) Unwrap() error {
	return e.Err
}

type ErrServerShutdown struct {
	Err error
}

func (e *ErrServerShutdown) Error() string {
	return fmt.Sprintf("server shutdown failed: %v", e.Err)
}

func (e *ErrServerShutdown) Unwrap() error {
	return e.Err
}

// Filesystem errors

type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}

type ErrFileWrite struct {
	Path string
	Err  error
}

func (e *ErrFileWrite) Error() string {
	return fmt.Sprintf("failed to write file %s: %v", e.Path, e.Err)
}

func (e *ErrFileWrite) Unwrap() error {
	return e.Err
}

// Refresh errors

// AuthError means the mailbox provider refused the stored secret.
// It is never retried within a run.
type AuthError struct {
	Identity   string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("mailbox login failed for %s: %v", e.Identity, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("mailbox login failed for %s: status %d", e.Identity, e.StatusCode)
	default:
		return fmt.Sprintf("mailbox login failed for %s", e.Identity)
	}
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RejectedError means the interactive login kept rejecting the identity
// after every allowed try.
type RejectedError struct {
	Identity string
	Attempts int
	Signal   string
}

func (e *RejectedError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("login rejected for %s after %d attempts (%s)", e.Identity, e.Attempts, e.Signal)
	}
	return fmt.Sprintf("login rejected for %s after %d attempts", e.Identity, e.Attempts)
}

type StageTimeoutError struct {
	Stage   string
	Timeout time.Duration
	Err     error
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s not reached within %s", e.Stage, e.Timeout)
}

func (e *StageTimeoutError) Unwrap() error {
	return e.Err
}

type CodeTimeoutError struct {
	Timeout  time.Duration
	Examined int
}

func (e *CodeTimeoutError) Error() string {
	return fmt.Sprintf("no verification code within %s (%d messages examined)", e.Timeout, e.Examined)
}

// IncompleteCredentialError lists the required credential fields that were empty.
type IncompleteCredentialError struct {
	Missing []string
}

func (e *IncompleteCredentialError) Error() string {
	return fmt.Sprintf("incomplete credential: missing %s", strings.Join(e.Missing, ", "))
}

// StaleExpiryError is returned when a candidate record does not expire later
// than the record it would replace.
type StaleExpiryError struct {
	Identity  string
	Current   time.Time
	Candidate time.Time
}

func (e *StaleExpiryError) Error() string {
	return fmt.Sprintf("refusing to replace %s: candidate expiry %s is not after %s",
		e.Identity, e.Candidate.Format(time.RFC3339), e.Current.Format(time.RFC3339))
}

// Storage and gateway errors

type RemoteStoreError struct {
	Backend   string
	Operation string
	Err       error
}

func (e *RemoteStoreError) Error() string {
	return fmt.Sprintf("%s store %s failed: %v", e.Backend, e.Operation, e.Err)
}

func (e *RemoteStoreError) Unwrap() error {
	return e.Err
}

// InvalidPopulationError reports a stored population that breaks the
// one-record-per-identity rule or holds a record without identity.
type InvalidPopulationError struct {
	Source string
	Err    error
}

func (e *InvalidPopulationError) Error() string {
	return fmt.Sprintf("invalid population in %s: %v", e.Source, e.Err)
}

func (e *InvalidPopulationError) Unwrap() error {
	return e.Err
}

type GatewayError struct {
	Step       string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("gateway %s failed: status %d", e.Step, e.StatusCode)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Proxy errors

type ErrNoHealthyNode struct {
	Group string
	Err   error
}

func (e *ErrNoHealthyNode) Error() string {
	msg := "no healthy proxy node"
	if e.Group != "" {
		msg = fmt.Sprintf("no healthy proxy node in group %s", e.Group)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ErrNoHealthyNode) Unwrap() error {
	return e.Err
}
