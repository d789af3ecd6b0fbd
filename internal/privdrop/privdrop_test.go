package privdrop

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestLogResultDoesNotPanicOnSuccess(t *testing.T) {
	LogResult(zaptest.NewLogger(t), "drop_all", nil)
}

func TestLogResultDoesNotPanicOnFailure(t *testing.T) {
	LogResult(zaptest.NewLogger(t), "drop_all", errors.New("capset: operation not permitted"))
}
