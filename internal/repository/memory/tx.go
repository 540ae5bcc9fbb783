package memory

import "context"

type txKey struct{}

// tx collects the undo actions of writes made inside InTx. Undo actions run
// with s.mu held.
type tx struct {
	undo []func()
}

// InTx runs fn so that every write it makes through the store with the
// context it receives is undone when fn returns an error. A nested InTx joins
// the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}
	t := &tx{}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		s.mu.Lock()
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// onRollback registers undo with the transaction carried by ctx, if any.
// Callers hold s.mu.
func onRollback(ctx context.Context, undo func()) {
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		t.undo = append(t.undo, undo)
	}
}
