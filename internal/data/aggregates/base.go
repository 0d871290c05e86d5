package aggregates

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/yungbote/threadline-backend/internal/platform/ctxutil"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

// TxRunner opens the transaction an aggregate write runs in.
type TxRunner interface {
	InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error
}

// GormTx runs fn in a gorm transaction on the wrapped handle.
type GormTx struct{ DB *gorm.DB }

func (g GormTx) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	if g.DB == nil {
		return errors.New("aggregates: no database handle")
	}
	return g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: ctx, Tx: tx})
	})
}

type BaseDeps struct {
	DB     *gorm.DB
	Log    *logger.Logger
	Runner TxRunner
}

func (d BaseDeps) withDefaults() BaseDeps {
	if d.Runner == nil {
		d.Runner = GormTx{DB: d.DB}
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	return d
}

// executeWrite joins the caller's transaction when dbc carries one and opens a fresh one
// otherwise.
func executeWrite(dbc dbctx.Context, deps BaseDeps, fn func(dbc dbctx.Context) error) error {
	if fn == nil {
		return nil
	}
	if dbc.Tx != nil {
		return fn(dbc)
	}
	return deps.Runner.InTx(ctxutil.Default(dbc.Ctx), fn)
}
