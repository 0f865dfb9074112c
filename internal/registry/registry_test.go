package registry

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/schaermu/pismo/internal/tree"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{name: "music"},
		{name: "My_Photos-2024.v1"},
		{name: "", wantErr: true},
		{name: ".hidden", wantErr: true},
		{name: "a/b", wantErr: true},
		{name: "..", wantErr: true},
		{name: "with space", wantErr: true},
		{name: "remote:name", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestAddAndRead(t *testing.T) {
	reg, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Add("music", "/srv/music"); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	snap, err := reg.Read("music")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if snap.Root != "/srv/music" || len(snap.Files) != 0 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	root, err := reg.Root("music")
	if err != nil || root != "/srv/music" {
		t.Errorf("Root() = %q, %v", root, err)
	}

	if _, err := reg.Add("music", "/elsewhere"); !errors.Is(err, ErrTreeExists) {
		t.Errorf("expected ErrTreeExists, got %v", err)
	}
}

func TestReadMissing(t *testing.T) {
	reg, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Read("nope"); !errors.Is(err, ErrTreeNotFound) {
		t.Errorf("expected ErrTreeNotFound, got %v", err)
	}
	if err := reg.Write("nope", tree.New("/x")); !errors.Is(err, ErrTreeNotFound) {
		t.Errorf("expected ErrTreeNotFound from Write, got %v", err)
	}
}

func TestWriteReplacesSnapshot(t *testing.T) {
	reg, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Add("docs", "/docs"); err != nil {
		t.Fatal(err)
	}

	snap := tree.New("/docs")
	snap.LastUpdated = 42
	snap.Files = []tree.FileRecord{{Path: "a", Hash: "h", Size: 1}}
	if err := reg.Write("docs", snap); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	got, err := reg.Read("docs")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, snap) {
		t.Errorf("Read() = %+v, want %+v", got, snap)
	}
}

func TestNames(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := reg.Add(name, "/"+name); err != nil {
			t.Fatal(err)
		}
	}

	// stray files are ignored
	if err := os.WriteFile(filepath.Join(dir, "trees", ".pismo-tree-123"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "trees", "notes.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	names, err := reg.Names()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"alpha", "mid", "zeta"}; !reflect.DeepEqual(names, want) {
		t.Errorf("Names() = %v, want %v", names, want)
	}
}

func TestRemotes(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, map[string]string{
		"laptop": "http://laptop:48880",
		"nas":    "http://nas:48880",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.AddRemote("nas", "http://nas.lan:9000"); err != nil {
		t.Fatalf("AddRemote() failed: %v", err)
	}
	if err := reg.AddRemote("backup", "http://backup:48880"); err != nil {
		t.Fatal(err)
	}

	remotes, err := reg.Remotes()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"laptop": "http://laptop:48880",
		"nas":    "http://nas.lan:9000",
		"backup": "http://backup:48880",
	}
	if !reflect.DeepEqual(remotes, want) {
		t.Errorf("Remotes() = %v, want %v", remotes, want)
	}

	// persisted entries survive reopening
	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	url, err := reopened.RemoteURL("backup")
	if err != nil || url != "http://backup:48880" {
		t.Errorf("RemoteURL() = %q, %v", url, err)
	}
	if _, err := reopened.RemoteURL("laptop"); !errors.Is(err, ErrRemoteNotFound) {
		t.Errorf("expected ErrRemoteNotFound, got %v", err)
	}
}

func TestAddRemoteValidation(t *testing.T) {
	reg, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.AddRemote("bad name", "http://x"); err == nil {
		t.Error("expected error for invalid name")
	}
	if err := reg.AddRemote("ok", ""); err == nil {
		t.Error("expected error for empty url")
	}
}
