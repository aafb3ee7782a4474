package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestBuild_DenseIndicesAndRelativePaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), []byte("aaa"))
	writeFile(t, filepath.Join(root, "dir", "b.txt"), []byte("bbbb"))

	m, err := Build(root, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(m) != 2 {
		t.Fatalf("len(m) = %d, want 2", len(m))
	}
	for i, entry := range m {
		if entry.Index != i {
			t.Fatalf("entry %d has Index %d, want dense index", i, entry.Index)
		}
		if len(entry.NonceBase) != 7 {
			t.Fatalf("entry %d NonceBase length = %d, want 7", i, len(entry.NonceBase))
		}
		if filepath.IsAbs(entry.RelativePath) {
			t.Fatalf("entry %d RelativePath %q must not be absolute", i, entry.RelativePath)
		}
	}
}

func TestBuild_ExcludePatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"), []byte("x"))
	writeFile(t, filepath.Join(root, "skip.tmp"), []byte("x"))
	writeFile(t, filepath.Join(root, ".git", "HEAD"), []byte("x"))

	m, err := Build(root, []string{"*.tmp", ".git"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(m) != 1 || m[0].Name != "keep.txt" {
		t.Fatalf("expected only keep.txt to survive exclusion, got %+v", m)
	}
}

func TestBuild_DistinctNonceBasesAcrossManyFiles(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 200; i++ {
		writeFile(t, filepath.Join(root, "f"+string(rune('a'+i%26))+string(rune('a'+i/26))+".txt"), []byte{byte(i)})
	}
	m, err := Build(root, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	seen := make(map[string]struct{}, len(m))
	for _, e := range m {
		key := string(e.NonceBase)
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate NonceBase across files")
		}
		seen[key] = struct{}{}
	}
}
