package sendpath

import (
	"os"
	"path/filepath"
	"testing"

	enginecrypto "github.com/MattFrayser/archdrop/internal/engine/crypto"
	"github.com/MattFrayser/archdrop/internal/engine/progress"
	"github.com/MattFrayser/archdrop/internal/engine/session"
)

func buildManifest(t *testing.T, dir string, contents map[string][]byte) session.Manifest {
	t.Helper()
	var m session.Manifest
	i := 0
	for name, data := range contents {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		nonceBase, err := enginecrypto.GenerateNonceBase()
		if err != nil {
			t.Fatalf("GenerateNonceBase: %v", err)
		}
		m = append(m, session.FileEntry{
			Index:        i,
			Name:         name,
			RelativePath: name,
			Size:         int64(len(data)),
			NonceBase:    nonceBase,
			FullPath:     path,
		})
		i++
	}
	return m
}

func TestPath_ManifestClaimsOnFirstRequest(t *testing.T) {
	dir := t.TempDir()
	key, _ := enginecrypto.GenerateSessionKey()
	m := buildManifest(t, dir, map[string][]byte{"hello.txt": []byte("hello world\n")})

	s, token, err := session.NewSend(m, key)
	if err != nil {
		t.Fatalf("NewSend: %v", err)
	}
	p := New(s, 1<<20, 0, nil, nil, progress.New(), nil, nil)

	files, err := p.Manifest(token)
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if len(files) != 1 || files[0].Name != "hello.txt" {
		t.Fatalf("unexpected manifest: %+v", files)
	}
	if !s.IsActive(token) {
		t.Fatal("first manifest request should have claimed the session")
	}
}

func TestPath_ChunkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, _ := enginecrypto.GenerateSessionKey()
	plaintext := []byte("hello world\n")
	m := buildManifest(t, dir, map[string][]byte{"hello.txt": plaintext})

	s, token, err := session.NewSend(m, key)
	if err != nil {
		t.Fatalf("NewSend: %v", err)
	}
	p := New(s, 1<<20, 0, nil, nil, progress.New(), nil, nil)

	ciphertext, err := p.Chunk(token, 0, 0)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(ciphertext) != len(plaintext)+16 {
		t.Fatalf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+16)
	}

	decrypted, err := enginecrypto.DecryptChunk(s.Cipher(), m[0].NonceBase, 0, ciphertext)
	if err != nil {
		t.Fatalf("DecryptChunk: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Fatalf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestPath_ChunkWithoutClaimOnSecondChunkFails(t *testing.T) {
	dir := t.TempDir()
	key, _ := enginecrypto.GenerateSessionKey()
	big := make([]byte, 3*(1<<10))
	m := buildManifest(t, dir, map[string][]byte{"big.bin": big})

	s, token, err := session.NewSend(m, key)
	if err != nil {
		t.Fatalf("NewSend: %v", err)
	}
	p := New(s, 1<<10, 0, nil, nil, progress.New(), nil, nil)

	// Requesting chunk 2 before any claim must fail: it is neither the
	// claiming request (file 0, chunk 0) nor does the session have an
	// existing claim.
	if _, err := p.Chunk(token, 0, 2); err == nil {
		t.Fatal("expected AuthFailure requesting a later chunk before any claim")
	}

	// After the legitimate claiming request, chunk 2 works.
	if _, err := p.Chunk(token, 0, 0); err != nil {
		t.Fatalf("Chunk(0,0) claim request: %v", err)
	}
	if _, err := p.Chunk(token, 0, 2); err != nil {
		t.Fatalf("Chunk(0,2) after claim: %v", err)
	}
}

func TestPath_ChunkOutOfRangeFileIndex(t *testing.T) {
	dir := t.TempDir()
	key, _ := enginecrypto.GenerateSessionKey()
	m := buildManifest(t, dir, map[string][]byte{"a.txt": []byte("x")})

	s, token, err := session.NewSend(m, key)
	if err != nil {
		t.Fatalf("NewSend: %v", err)
	}
	p := New(s, 1<<20, 0, nil, nil, progress.New(), nil, nil)

	if _, err := p.Chunk(token, 5, 0); err == nil {
		t.Fatal("expected NotFound for out-of-range file index")
	}
}

func TestPath_Complete(t *testing.T) {
	dir := t.TempDir()
	key, _ := enginecrypto.GenerateSessionKey()
	m := buildManifest(t, dir, map[string][]byte{"a.txt": []byte("x")})

	s, token, err := session.NewSend(m, key)
	if err != nil {
		t.Fatalf("NewSend: %v", err)
	}
	prog := progress.New()
	p := New(s, 1<<20, 0, nil, nil, prog, nil, nil)

	if _, err := p.Chunk(token, 0, 0); err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if err := p.Complete(token); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !s.Completed() {
		t.Fatal("session should be completed")
	}
	if prog.Value() != 100.0 {
		t.Fatalf("progress = %v, want 100", prog.Value())
	}
}
