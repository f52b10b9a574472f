package synerr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromTimeoutReclassifiesExpiredBatchDeadline(t *testing.T) {
	runCtx := context.Background()
	batchCtx, cancel := context.WithTimeout(runCtx, time.Nanosecond)
	defer cancel()
	<-batchCtx.Done()

	got := FromTimeout(runCtx, batchCtx, errors.New("query timed out"))
	assert.True(t, Transient(got))
}

func TestFromTimeoutLeavesErrorAloneWhenRunItselfWasCancelled(t *testing.T) {
	runCtx, runCancel := context.WithCancel(context.Background())
	runCancel()
	batchCtx, cancel := context.WithTimeout(runCtx, time.Nanosecond)
	defer cancel()
	<-batchCtx.Done()

	original := errors.New("cancelled")
	got := FromTimeout(runCtx, batchCtx, original)
	assert.Same(t, original, got)
}

func TestFromTimeoutLeavesNonDeadlineErrorsAlone(t *testing.T) {
	runCtx := context.Background()
	batchCtx, cancel := context.WithCancel(runCtx)
	cancel()

	original := errors.New("bad query")
	got := FromTimeout(runCtx, batchCtx, original)
	assert.Same(t, original, got)
}

func TestRowLevelIdentifiesTransformAndValidationErrors(t *testing.T) {
	assert.True(t, RowLevel(&TransformError{Field: "f", Cause: errors.New("x")}))
	assert.True(t, RowLevel(&ValidationError{Field: "f", Rule: "r", Msg: "m"}))
	assert.False(t, RowLevel(&TransientError{Op: "op", Cause: errors.New("x")}))
}

func TestFatalIdentifiesTerminalErrorKinds(t *testing.T) {
	assert.True(t, Fatal(&SourceIntegrityError{Table: "t", Reason: "r"}))
	assert.True(t, Fatal(&CheckpointConflictError{Table: "t", Reason: "r"}))
	assert.True(t, Fatal(&ConfigError{Reason: "r"}))
	assert.False(t, Fatal(&TransientError{Op: "op", Cause: errors.New("x")}))
}
