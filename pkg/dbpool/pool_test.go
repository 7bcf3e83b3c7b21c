package dbpool

import (
	"testing"
)

func TestParseKeyspace(t *testing.T) {
	tests := []struct {
		in      string
		want    Keyspace
		wantErr bool
	}{
		{"mydb", Keyspace{DB: "mydb", Scope: DefaultScope, Collection: DefaultCollection}, false},
		{"mydb.scope1.coll1", Keyspace{DB: "mydb", Scope: "scope1", Collection: "coll1"}, false},
		{"a.b", Keyspace{}, true},
		{"", Keyspace{}, true},
	}
	for _, tt := range tests {
		got, err := ParseKeyspace(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseKeyspace(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseKeyspace(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKeyspace(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestKeyspaceString(t *testing.T) {
	ks := Keyspace{DB: "mydb", Scope: DefaultScope, Collection: DefaultCollection}
	if got := ks.String(); got != "mydb" {
		t.Errorf("String() = %q, want %q", got, "mydb")
	}
	ks2 := Keyspace{DB: "mydb", Scope: "s", Collection: "c"}
	if got := ks2.String(); got != "mydb.s.c" {
		t.Errorf("String() = %q, want %q", got, "mydb.s.c")
	}
}

func TestRegisterBorrowPutGet(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if err := r.RegisterDatabase("mydb"); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	w, err := r.BorrowWriteable("mydb")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Put("doc1", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := w.Release(); err != nil {
		t.Fatal(err)
	}

	ro, err := r.Borrow("mydb")
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Release()
	if got := ro.Get("doc1"); string(got) != `{"a":1}` {
		t.Errorf("Get = %q, want %q", got, `{"a":1}`)
	}
}

func TestBorrowReadOnlyRejectsWrite(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if err := r.RegisterDatabase("mydb"); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ro, err := r.Borrow("mydb")
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Release()
	if err := ro.Put("doc1", []byte("x")); err == nil {
		t.Error("expected error writing through a read-only handle")
	}
}

func TestBorrowUnregisteredKeyspaceFails(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if err := r.RegisterDatabase("mydb"); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.Borrow("mydb.scope1.coll1"); err == nil {
		t.Error("expected error borrowing unregistered keyspace")
	}
}

func TestRegisterCollectionThenBorrow(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if err := r.RegisterDatabase("mydb"); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.RegisterCollection("mydb", "scope1", "coll1"); err != nil {
		t.Fatal(err)
	}
	w, err := r.BorrowWriteable("mydb.scope1.coll1")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Put("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := w.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestKeyspacesListing(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if err := r.RegisterDatabase("mydb"); err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.RegisterCollection("mydb", "s", "c"); err != nil {
		t.Fatal(err)
	}

	kss, err := r.Keyspaces("mydb")
	if err != nil {
		t.Fatal(err)
	}
	if len(kss) != 2 {
		t.Errorf("Keyspaces() returned %d entries, want 2: %v", len(kss), kss)
	}
}

func TestUnregisterDatabase(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if err := r.RegisterDatabase("mydb"); err != nil {
		t.Fatal(err)
	}
	if err := r.UnregisterDatabase("mydb"); err != nil {
		t.Fatal(err)
	}
	if r.IsRegistered("mydb") {
		t.Error("expected mydb to be unregistered")
	}
	if _, err := r.Borrow("mydb"); err == nil {
		t.Error("expected error borrowing from unregistered database")
	}
}

func TestForEach(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if err := r.RegisterDatabase("mydb"); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	w, err := r.BorrowWriteable("mydb")
	if err != nil {
		t.Fatal(err)
	}
	_ = w.Put("a", []byte("1"))
	_ = w.Put("b", []byte("2"))
	if err := w.Release(); err != nil {
		t.Fatal(err)
	}

	ro, err := r.Borrow("mydb")
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Release()

	seen := map[string]string{}
	err = ro.ForEach(func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen["a"] != "1" || seen["b"] != "2" {
		t.Errorf("ForEach saw %v, want a=1 b=2", seen)
	}
}
