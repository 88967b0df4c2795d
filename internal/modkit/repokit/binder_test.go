package repokit

import (
	"context"
	"errors"
	"testing"

	"casefile/internal/platform/testkit"
)

type stubQueryer struct{}

func (stubQueryer) Exec(context.Context, string, ...any) (CommandTag, error) {
	return nil, errors.New("not implemented")
}
func (stubQueryer) Query(context.Context, string, ...any) (Rows, error) {
	return nil, errors.New("not implemented")
}
func (stubQueryer) QueryRow(context.Context, string, ...any) Row { return nil }

type stubRepo struct{ q Queryer }

func TestBindFuncBinds(t *testing.T) {
	t.Parallel()

	b := BindFunc[stubRepo](func(q Queryer) stubRepo { return stubRepo{q: q} })
	got := b.Bind(stubQueryer{})
	if _, ok := got.q.(stubQueryer); !ok {
		t.Fatalf("bound queryer lost: %T", got.q)
	}
}

func TestMustBindPanicsOnNilQueryer(t *testing.T) {
	t.Parallel()

	b := BindFunc[stubRepo](func(q Queryer) stubRepo { return stubRepo{q: q} })

	testkit.MustPanic(t, func() { MustBind(b, nil) })
	testkit.MustNotPanic(t, func() { MustBind(b, stubQueryer{}) })
}
