package engine

import (
	"fmt"
	"log/slog"

	"stepd/internal/store"
)

// retryAppender wraps the store with one recovery attempt: on a failed
// append the database handle is reopened and the write retried once.
type retryAppender struct {
	st  *store.Store
	log *slog.Logger
}

func (a *retryAppender) Append(r *store.StepRecord) error {
	err := a.st.Append(r)
	if err == nil {
		return nil
	}

	a.log.Warn("append failed, reopening store", "error", err)
	if reopenErr := a.st.Reopen(); reopenErr != nil {
		return fmt.Errorf("reopen store after failed append: %w", reopenErr)
	}
	if retryErr := a.st.Append(r); retryErr != nil {
		return fmt.Errorf("append retry: %w", retryErr)
	}
	return nil
}
