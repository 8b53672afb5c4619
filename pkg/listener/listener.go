package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
	errInputClosed     = errors.New("input channel closed")
)

// Listener feeds every value received from in to handler on a single
// goroutine. It runs until in is closed or the context is cancelled.
// Handler errors go to errHandler and do not stop the loop.
type Listener[T any] struct {
	handler    func(input T) error
	errHandler func(error)

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	errHandler ...func(error),
) *Listener[T] {
	if len(errHandler) == 0 {
		errHandler = []func(error){func(error) {}}
	}

	return &Listener[T]{
		in:         in,
		handler:    handler,
		cancel:     func() {},
		errHandler: errHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped), errors.Is(err, errInputClosed):
				return
			case err != nil:
				l.errHandler(err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errInputClosed
		}
		err := l.handler(inp)
		if err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Wait blocks until the input channel is drained and closed.
func (l *Listener[T]) Wait() {
	l.wg.Wait()
}

// Stop cancels the loop without draining pending input.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
}
