package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSaveLoad(t *testing.T) {
	s := openTemp(t)

	rec := Record{
		ID:         "session-1",
		ProgramSHA: []byte{0xaa, 0xbb},
		Data:       []byte("CAPS..."),
		CreatedAt:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load("session-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got.Data, rec.Data) || !bytes.Equal(got.ProgramSHA, rec.ProgramSHA) {
		t.Errorf("loaded record differs: %+v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestStoreReplace(t *testing.T) {
	s := openTemp(t)

	if err := s.Save(Record{ID: "x", ProgramSHA: []byte{1}, Data: []byte("old")}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(Record{ID: "x", ProgramSHA: []byte{1}, Data: []byte("new")}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load("x")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != "new" {
		t.Errorf("Data = %q, want new", got.Data)
	}
}

func TestStoreNotFound(t *testing.T) {
	s := openTemp(t)

	if _, err := s.Load("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load: err = %v, want ErrNotFound", err)
	}
	if err := s.Delete("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete: err = %v, want ErrNotFound", err)
	}
}

func TestStoreListAndDelete(t *testing.T) {
	s := openTemp(t)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		err := s.Save(Record{
			ID:         id,
			ProgramSHA: []byte{byte(i)},
			Data:       []byte(id),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != "c" || ids[2] != "a" {
		t.Errorf("List() = %v, want newest first", ids)
	}

	if err := s.Delete("b"); err != nil {
		t.Fatal(err)
	}
	if ids, _ = s.List(); len(ids) != 2 {
		t.Errorf("List() after delete = %v", ids)
	}
}

func TestStoreFindByProgram(t *testing.T) {
	s := openTemp(t)

	sha1, sha2 := []byte{1, 1}, []byte{2, 2}
	for _, r := range []Record{
		{ID: "p1-a", ProgramSHA: sha1, Data: []byte("x")},
		{ID: "p1-b", ProgramSHA: sha1, Data: []byte("y")},
		{ID: "p2-a", ProgramSHA: sha2, Data: []byte("z")},
	} {
		if err := s.Save(r); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.FindByProgram(sha1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("FindByProgram = %v, want two IDs", ids)
	}
}
