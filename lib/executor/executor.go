// Package executor runs units of work so that a failure at any step leaves
// the store consistent and the caller's locks released.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/fiffu/archivist/lib/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type (
	Func        func(ctx context.Context) error
	ErrorFunc   func(ctx context.Context, err error) error
	FinallyFunc func(ctx context.Context, err error) error
)

// PanicError wraps a recovered panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

type Executor struct {
	db  *gorm.DB
	log *zap.Logger

	subscriptionID *uint
	elementID      *uint
}

func NewExecutor(db *gorm.DB, log *zap.Logger) *Executor {
	return &Executor{db: db, log: log}
}

// Owned returns an executor whose error records are attached to the given
// subscription and element. Either may be nil.
func (e *Executor) Owned(subscriptionID, elementID *uint) *Executor {
	owned := *e
	owned.subscriptionID = subscriptionID
	owned.elementID = elementID
	return &owned
}

// Run executes try, then onError if try failed, then onFinally regardless.
// onFinally receives the error of try (nil on success), even if onError failed.
// The returned error combines every phase that failed.
func (e *Executor) Run(ctx context.Context, name string, try Func, onError ErrorFunc, onFinally FinallyFunc) error {
	err := protect(func() error { return try(ctx) })

	// Cleanup phases must still reach the store when ctx was cancelled.
	cleanupCtx := context.WithoutCancel(ctx)

	if err != nil {
		e.log.Sugar().Errorw("Unit failed", "module", name, "err", err)
		e.Record(cleanupCtx, models.NewErrorRecord(name, err))

		if onError != nil {
			if herr := protect(func() error { return onError(cleanupCtx, err) }); herr != nil {
				e.log.Sugar().Errorw("Error handler failed", "module", name, "err", herr)
				e.Record(cleanupCtx, models.NewErrorRecord(name, herr))
				err = multierr.Append(err, herr)
			}
		}
	}

	if onFinally != nil {
		tryErr := err
		if ferr := protect(func() error { return onFinally(cleanupCtx, tryErr) }); ferr != nil {
			e.log.Sugar().Errorw("Finalizer failed", "module", name, "err", ferr)
			err = multierr.Append(err, ferr)
		}
	}
	return err
}

// Transaction runs fn in its own transaction, rolling back on error or panic.
func (e *Executor) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return protect(func() error { return fn(tx) })
	})
}

// DB returns a session bound to ctx for single-statement work.
func (e *Executor) DB(ctx context.Context) *gorm.DB {
	return e.db.WithContext(ctx)
}

// Record persists rec, logging instead of failing when the store rejects it.
func (e *Executor) Record(ctx context.Context, rec models.ErrorRecord) {
	if rec.SubscriptionID == nil {
		rec.SubscriptionID = e.subscriptionID
	}
	if rec.ElementID == nil {
		rec.ElementID = e.elementID
	}
	if tx := e.db.WithContext(ctx).Create(&rec); tx.Error != nil {
		e.log.Sugar().Errorw("Failed to record error", "module", rec.Module, "err", tx.Error)
	}
}

func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
