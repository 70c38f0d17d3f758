package db

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryUnitOfWork_CommitKeepsWrites(t *testing.T) {
	uow := NewMemoryUnitOfWork()
	var undone bool

	err := uow.Within(context.Background(), func(ctx context.Context) error {
		if !OnRollback(ctx, func() { undone = true }) {
			t.Error("expected an active unit of work")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if undone {
		t.Error("undo ran after a successful unit of work")
	}
}

func TestMemoryUnitOfWork_FailureRunsUndoInReverse(t *testing.T) {
	uow := NewMemoryUnitOfWork()
	var order []int
	boom := errors.New("boom")

	err := uow.Within(context.Background(), func(ctx context.Context) error {
		OnRollback(ctx, func() { order = append(order, 1) })
		OnRollback(ctx, func() { order = append(order, 2) })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("expected undo order [2 1], got %v", order)
	}
}

func TestMemoryUnitOfWork_NestedJoinsOuter(t *testing.T) {
	uow := NewMemoryUnitOfWork()
	var undone int
	boom := errors.New("outer failure")

	err := uow.Within(context.Background(), func(ctx context.Context) error {
		if err := uow.Within(ctx, func(inner context.Context) error {
			OnRollback(inner, func() { undone++ })
			return nil
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected outer failure, got %v", err)
	}
	if undone != 1 {
		t.Errorf("expected nested undo to run once on outer failure, ran %d", undone)
	}
}

func TestOnRollback_WithoutUnitOfWork(t *testing.T) {
	if OnRollback(context.Background(), func() {}) {
		t.Error("expected false outside a unit of work")
	}
}

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Errorf("expected nil tx, got %v", tx)
	}
	if ctx := WithTx(context.Background(), nil); TxFromContext(ctx) != nil {
		t.Error("expected WithTx(nil) to leave context without a tx")
	}
}
