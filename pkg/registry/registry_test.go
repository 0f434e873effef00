package registry

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

type widget struct {
	Name  string
	Value int
}

func TestStoreRegister(t *testing.T) {
	s := NewStore[widget]()

	tests := []struct {
		name    string
		key     string
		item    widget
		wantErr bool
	}{
		{name: "new name", key: "alpha", item: widget{Name: "alpha", Value: 1}},
		{name: "empty name", key: "", item: widget{Value: 2}, wantErr: true},
		{name: "taken name", key: "alpha", item: widget{Name: "alpha", Value: 3}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Register(tt.key, tt.item)
			if (err != nil) != tt.wantErr {
				t.Errorf("Register(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}

	got, ok := s.Get("alpha")
	if !ok || got.Value != 1 {
		t.Errorf("Get(alpha) = %+v, %v; want the first registration intact", got, ok)
	}
}

func TestStoreSetReplaces(t *testing.T) {
	s := NewStore[widget]()

	if err := s.Register("alpha", widget{Name: "alpha", Value: 1}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	s.Set("alpha", widget{Name: "alpha", Value: 2})

	got, ok := s.Get("alpha")
	if !ok || got.Value != 2 {
		t.Errorf("Get(alpha) after Set = %+v, %v; want Value 2", got, ok)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestStoreZeroValue(t *testing.T) {
	var s Store[int]

	if _, ok := s.Get("missing"); ok {
		t.Error("Get on empty store reported a hit")
	}
	s.Set("answer", 42)
	if got, ok := s.Get("answer"); !ok || got != 42 {
		t.Errorf("Get(answer) = %d, %v; want 42, true", got, ok)
	}
}

func TestStoreNamesSorted(t *testing.T) {
	s := NewStore[widget]()

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if err := s.Register(name, widget{Name: name}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	got := s.Names()
	want := []string{"alpha", "bravo", "charlie"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if items := s.Items(); len(items) != 3 {
		t.Errorf("Items() length = %d, want 3", len(items))
	}
}

func TestStoreDelete(t *testing.T) {
	s := NewStore[widget]()

	if err := s.Register("alpha", widget{Name: "alpha"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if !s.Delete("alpha") {
		t.Error("Delete(alpha) = false, want true")
	}
	if _, ok := s.Get("alpha"); ok {
		t.Error("item still present after Delete")
	}
	if s.Delete("alpha") {
		t.Error("second Delete(alpha) = true, want false")
	}
}

func TestStoreClear(t *testing.T) {
	s := NewStore[widget]()

	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("item-%d", i)
		if err := s.Register(name, widget{Name: name, Value: i}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	s.Clear()

	if n := s.Len(); n != 0 {
		t.Errorf("Len() after Clear = %d, want 0", n)
	}
	if names := s.Names(); len(names) != 0 {
		t.Errorf("Names() after Clear = %v, want empty", names)
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore[widget]()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			name := fmt.Sprintf("concurrent-%d", i)
			_ = s.Register(name, widget{Name: name, Value: i})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			s.Get(fmt.Sprintf("concurrent-%d", i))
			s.Len()
			s.Names()
		}
	}()
	wg.Wait()

	if n := s.Len(); n != 100 {
		t.Errorf("Len() after concurrent registers = %d, want 100", n)
	}
}
