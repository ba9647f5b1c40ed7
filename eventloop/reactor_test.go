package eventloop

import (
	"errors"
	"testing"
)

// fakeReactor records readers, and lets the test fire them
type fakeReactor struct {
	readers   map[int]ReadDescriptor
	addErr    error
	removeErr error
	removed   []ReadDescriptor
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{readers: map[int]ReadDescriptor{}}
}

func (f *fakeReactor) AddReader(r ReadDescriptor) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.readers[r.Fileno()] = r
	return nil
}

func (f *fakeReactor) RemoveReader(r ReadDescriptor) error {
	f.removed = append(f.removed, r)
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.readers, r.Fileno())
	return nil
}

func TestReactorAdapter(t *testing.T) {
	reactor := newFakeReactor()
	a := NewReactorAdapter(reactor)
	var calls int
	token, err := a.RegisterReadable(7, func() { calls++ })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == 0 {
		t.Fatal("zero token issued")
	}
	r, ok := reactor.readers[7]
	if !ok {
		t.Fatal("reader not added to the reactor")
	}
	if r.Fileno() != 7 {
		t.Errorf("mismatched fd %d", r.Fileno())
	}
	r.DoRead()
	r.DoRead()
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}

	if err := a.Unregister(token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reactor.removed) != 1 || reactor.removed[0] != r {
		t.Errorf("reactor did not get the same descriptor back: %v", reactor.removed)
	}
	// a late delivery from the reactor is ignored
	r.DoRead()
	if calls != 2 {
		t.Errorf("handler called after unregister")
	}
	if err := a.Unregister(token); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("expected ErrUnknownToken, got %v", err)
	}
}

func TestReactorAdapterErrors(t *testing.T) {
	refused := errors.New("refused")
	reactor := newFakeReactor()
	reactor.addErr = refused
	a := NewReactorAdapter(reactor)
	if _, err := a.RegisterReadable(3, func() {}); !errors.Is(err, refused) {
		t.Errorf("expected the reactor error, got %v", err)
	}
	if _, err := a.RegisterReadable(-1, func() {}); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("expected ErrInvalidRegistration, got %v", err)
	}

	reactor.addErr = nil
	reactor.removeErr = refused
	token, err := a.RegisterReadable(3, func() {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Unregister(token); !errors.Is(err, refused) {
		t.Errorf("expected the reactor error, got %v", err)
	}
	if err := a.Unregister(token); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("token should be forgotten after a failed removal, got %v", err)
	}
}
