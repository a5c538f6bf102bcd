package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFSWorkspaceManagerCreateAndOpen(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "tmp")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	ws, err := mgr.Create(context.Background(), "17")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	wantPath := filepath.Join(baseDir, "17")
	if ws.Dir != wantPath {
		t.Fatalf("Create() dir = %q, want %q", ws.Dir, wantPath)
	}

	info, err := os.Stat(ws.Dir)
	if err != nil {
		t.Fatalf("Stat(workspace) error = %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("workspace path is not a directory")
	}

	opened, err := mgr.Open(context.Background(), "17")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != ws {
		t.Fatalf("Open() workspace = %+v, want %+v", opened, ws)
	}

	if _, err := mgr.Create(context.Background(), "17"); err == nil {
		t.Fatalf("Create() twice should fail")
	}
}

func TestFSWorkspaceManagerRejectsBadIDs(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	for _, id := range []string{"", " ", ".", "..", "a/b", `a\b`} {
		if _, err := mgr.Create(context.Background(), id); err == nil {
			t.Fatalf("Create(%q) expected error", id)
		}
	}
	if _, err := NewFSManager("  "); err == nil {
		t.Fatalf("NewFSManager(blank) expected error")
	}
}

func TestFSWorkspaceManagerRemove(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	ws, err := mgr.Create(context.Background(), "3")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Dir, "scratch"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := mgr.Remove(context.Background(), "3"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Fatalf("workspace should be gone, err = %v", err)
	}
	if err := mgr.Remove(context.Background(), "3"); err != nil {
		t.Fatalf("Remove(missing) error = %v", err)
	}
}

func TestFSWorkspaceManagerSweep(t *testing.T) {
	mgr, err := NewFSManager(filepath.Join(t.TempDir(), "tmp"))
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	if report, err := mgr.Sweep(context.Background(), nil); err != nil || report.DeletedDirs != 0 {
		t.Fatalf("Sweep(empty) = %+v, %v", report, err)
	}

	for _, id := range []string{"1", "2", "3"} {
		if _, err := mgr.Create(context.Background(), id); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	report, err := mgr.Sweep(context.Background(), func(id string) bool { return id == "2" })
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.DeletedDirs != 2 {
		t.Fatalf("Sweep() deleted = %d, want 2", report.DeletedDirs)
	}
	if _, err := mgr.Open(context.Background(), "2"); err != nil {
		t.Fatalf("kept workspace missing: %v", err)
	}

	report, err = mgr.Sweep(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sweep(nil) error = %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("Sweep(nil) deleted = %d, want 1", report.DeletedDirs)
	}
}

func TestFSWorkspaceManagerCleanup(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "tmp")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	oldWS, err := mgr.Create(context.Background(), "1")
	if err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	newWS, err := mgr.Create(context.Background(), "2")
	if err != nil {
		t.Fatalf("Create(new) error = %v", err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldWS.Dir, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes(old workspace) error = %v", err)
	}

	keptWS, err := mgr.Create(context.Background(), "3")
	if err != nil {
		t.Fatalf("Create(kept) error = %v", err)
	}
	if err := os.Chtimes(keptWS.Dir, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes(kept workspace) error = %v", err)
	}

	report, err := mgr.Cleanup(context.Background(), 24*time.Hour, func(id string) bool { return id == "3" })
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("Cleanup() deleted = %d, want 1", report.DeletedDirs)
	}
	if _, err := os.Stat(keptWS.Dir); err != nil {
		t.Fatalf("kept workspace should still exist, err = %v", err)
	}

	if _, err := os.Stat(oldWS.Dir); !os.IsNotExist(err) {
		t.Fatalf("old workspace should be deleted, err = %v", err)
	}
	if _, err := os.Stat(newWS.Dir); err != nil {
		t.Fatalf("new workspace should still exist, err = %v", err)
	}
}

func TestInstallFiles(t *testing.T) {
	src := t.TempDir()
	a := filepath.Join(src, "a.jar")
	b := filepath.Join(src, "b.txt")
	if err := os.WriteFile(a, []byte("jar"), 0o644); err != nil {
		t.Fatalf("WriteFile(a) error = %v", err)
	}
	if err := os.WriteFile(b, []byte("text"), 0o600); err != nil {
		t.Fatalf("WriteFile(b) error = %v", err)
	}

	dest := filepath.Join(t.TempDir(), "lib")
	if err := InstallFiles(context.Background(), []string{a, b}, dest); err != nil {
		t.Fatalf("InstallFiles() error = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "a.jar"))
	if err != nil {
		t.Fatalf("ReadFile(installed) error = %v", err)
	}
	if string(got) != "jar" {
		t.Fatalf("installed content = %q, want %q", got, "jar")
	}

	// Installing again replaces rather than failing on the existing entry.
	if err := InstallFiles(context.Background(), []string{a}, dest); err != nil {
		t.Fatalf("InstallFiles(again) error = %v", err)
	}
}
