package relay

import "testing"

type fakeCloser struct {
	closed int
}

func (f *fakeCloser) Close() error {
	f.closed++
	return nil
}

func TestRegistryAddReplacesAndClosesOld(t *testing.T) {
	reg := NewRegistry()
	old := &fakeCloser{}
	replacement := &fakeCloser{}

	reg.Add("s1", old)
	reg.Add("s1", replacement)

	if old.closed != 1 {
		t.Fatalf("expected old connection closed once, got %d", old.closed)
	}
	if replacement.closed != 0 {
		t.Fatalf("expected replacement untouched, got %d closes", replacement.closed)
	}
	got, ok := reg.Get("s1")
	if !ok || got != replacement {
		t.Fatalf("expected replacement to be registered")
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", reg.Count())
	}
}

func TestRegistryRemoveDoesNotClose(t *testing.T) {
	reg := NewRegistry()
	c := &fakeCloser{}
	reg.Add("s1", c)

	reg.Remove("s1")
	reg.Remove("s1")

	if c.closed != 0 {
		t.Fatalf("expected Remove to leave connection open, got %d closes", c.closed)
	}
	if _, ok := reg.Get("s1"); ok {
		t.Fatal("expected s1 to be gone")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	reg := NewRegistry()
	a, b := &fakeCloser{}, &fakeCloser{}
	reg.Add("a", a)
	reg.Add("b", b)

	reg.CloseAll()

	if a.closed != 1 || b.closed != 1 {
		t.Fatalf("expected both closed once, got a=%d b=%d", a.closed, b.closed)
	}
	if reg.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Count())
	}
}
