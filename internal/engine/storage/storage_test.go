package storage

import (
	"bytes"
	"crypto/cipher"
	"os"
	"path/filepath"
	"testing"

	enginecrypto "github.com/MattFrayser/archdrop/internal/engine/crypto"
)

func testCipher(t *testing.T) (cipher.AEAD, []byte) {
	t.Helper()
	sessionKey, err := enginecrypto.GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey: %v", err)
	}
	aeadKey, err := enginecrypto.DeriveAEADKey(sessionKey)
	if err != nil {
		t.Fatalf("DeriveAEADKey: %v", err)
	}
	aead, err := enginecrypto.NewCipher(aeadKey)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	nonceBase, err := enginecrypto.GenerateNonceBase()
	if err != nil {
		t.Fatalf("GenerateNonceBase: %v", err)
	}
	return aead, nonceBase
}

func encryptChunks(t *testing.T, aead cipher.AEAD, nonceBase []byte, plaintextChunks [][]byte) [][]byte {
	t.Helper()
	out := make([][]byte, len(plaintextChunks))
	for i, pt := range plaintextChunks {
		ct, err := enginecrypto.EncryptChunk(aead, nonceBase, uint32(i), pt)
		if err != nil {
			t.Fatalf("EncryptChunk(%d): %v", i, err)
		}
		out[i] = ct
	}
	return out
}

func TestBuffered_StoreAndFinalize(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	aead, nonceBase := testCipher(t)
	plaintext := [][]byte{[]byte("hello "), []byte("world!")}
	ciphertexts := encryptChunks(t, aead, nonceBase, plaintext)

	st, err := New(10, dest, DefaultMemoryThreshold, DefaultReorderBufferCap, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := st.(*Buffered); !ok {
		t.Fatalf("expected Buffered storage for small file, got %T", st)
	}

	for i, ct := range ciphertexts {
		if err := st.StoreChunk(uint32(i), ct, aead, nonceBase); err != nil {
			t.Fatalf("StoreChunk(%d): %v", i, err)
		}
	}
	// duplicate store must be a no-op success
	if err := st.StoreChunk(0, ciphertexts[0], aead, nonceBase); err != nil {
		t.Fatalf("duplicate StoreChunk(0): %v", err)
	}
	if st.ChunkCount() != 2 {
		t.Fatalf("ChunkCount() = %d, want 2", st.ChunkCount())
	}

	hash, err := st.Finalize(2, "")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if hash == "" {
		t.Fatal("expected non-empty hash")
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world!")) {
		t.Fatalf("destination content = %q, want %q", got, "hello world!")
	}
}

func TestBuffered_Finalize_IncompleteUpload(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	aead, nonceBase := testCipher(t)
	ciphertexts := encryptChunks(t, aead, nonceBase, [][]byte{[]byte("only one")})

	st, _ := New(10, dest, DefaultMemoryThreshold, DefaultReorderBufferCap, nil)
	if err := st.StoreChunk(0, ciphertexts[0], aead, nonceBase); err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	if _, err := st.Finalize(2, ""); err == nil {
		t.Fatal("expected IncompleteUpload error")
	}
}

func TestStreaming_OutOfOrder_ProducesSameBytesAsInOrder(t *testing.T) {
	dir := t.TempDir()
	aead, nonceBase := testCipher(t)
	plaintext := [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CCCC"), []byte("DDDD")}
	ciphertexts := encryptChunks(t, aead, nonceBase, plaintext)

	inOrderDest := filepath.Join(dir, "in-order.bin")
	inOrder, err := New(200<<20, inOrderDest, DefaultMemoryThreshold, DefaultReorderBufferCap, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := inOrder.(*Streaming); !ok {
		t.Fatalf("expected Streaming storage for large file, got %T", inOrder)
	}
	for i, ct := range ciphertexts {
		if err := inOrder.StoreChunk(uint32(i), ct, aead, nonceBase); err != nil {
			t.Fatalf("in-order StoreChunk(%d): %v", i, err)
		}
	}
	inOrderHash, err := inOrder.Finalize(uint32(len(ciphertexts)), "")
	if err != nil {
		t.Fatalf("in-order Finalize: %v", err)
	}

	permutedDest := filepath.Join(dir, "permuted.bin")
	permuted, err := New(200<<20, permutedDest, DefaultMemoryThreshold, DefaultReorderBufferCap, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	order := []int{2, 0, 3, 1}
	for _, i := range order {
		if err := permuted.StoreChunk(uint32(i), ciphertexts[i], aead, nonceBase); err != nil {
			t.Fatalf("permuted StoreChunk(%d): %v", i, err)
		}
	}
	permutedHash, err := permuted.Finalize(uint32(len(ciphertexts)), "")
	if err != nil {
		t.Fatalf("permuted Finalize: %v", err)
	}

	if inOrderHash != permutedHash {
		t.Fatalf("hash mismatch: in-order %s, permuted %s", inOrderHash, permutedHash)
	}

	a, err := os.ReadFile(inOrderDest)
	if err != nil {
		t.Fatalf("ReadFile(in-order): %v", err)
	}
	b, err := os.ReadFile(permutedDest)
	if err != nil {
		t.Fatalf("ReadFile(permuted): %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("in-order and permuted destination bytes differ")
	}
}

func TestStreaming_DuplicateChunk_Idempotent(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	aead, nonceBase := testCipher(t)
	ciphertexts := encryptChunks(t, aead, nonceBase, [][]byte{[]byte("data0"), []byte("data1")})

	st, err := New(200<<20, dest, DefaultMemoryThreshold, DefaultReorderBufferCap, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := st.StoreChunk(0, ciphertexts[0], aead, nonceBase); err != nil {
		t.Fatalf("StoreChunk(0): %v", err)
	}
	if err := st.StoreChunk(0, ciphertexts[0], aead, nonceBase); err != nil {
		t.Fatalf("duplicate StoreChunk(0): %v", err)
	}
	if st.ChunkCount() != 1 {
		t.Fatalf("ChunkCount() = %d, want 1", st.ChunkCount())
	}
	if err := st.StoreChunk(1, ciphertexts[1], aead, nonceBase); err != nil {
		t.Fatalf("StoreChunk(1): %v", err)
	}
	if _, err := st.Finalize(2, ""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestStreaming_TamperedChunk_DeletesPartialFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	aead, nonceBase := testCipher(t)
	ciphertexts := encryptChunks(t, aead, nonceBase, [][]byte{[]byte("data0")})
	tampered := append([]byte(nil), ciphertexts[0]...)
	tampered[0] ^= 0xff

	st, err := New(200<<20, dest, DefaultMemoryThreshold, DefaultReorderBufferCap, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := st.StoreChunk(0, tampered, aead, nonceBase); err == nil {
		t.Fatal("expected authentication failure for tampered chunk")
	}
	if _, statErr := os.Stat(dest); statErr == nil {
		t.Fatal("expected partial destination file to be removed by the cleanup guard")
	}
}

func TestStreaming_HashMismatch_DeletesDestination(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	aead, nonceBase := testCipher(t)
	ciphertexts := encryptChunks(t, aead, nonceBase, [][]byte{[]byte("data0")})

	st, err := New(200<<20, dest, DefaultMemoryThreshold, DefaultReorderBufferCap, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := st.StoreChunk(0, ciphertexts[0], aead, nonceBase); err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	if _, err := st.Finalize(1, "0000000000000000000000000000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected HashMismatch error")
	}
	if _, statErr := os.Stat(dest); statErr == nil {
		t.Fatal("expected destination to be removed on hash mismatch")
	}
}

func TestCleanupGuard_DisarmPreventsRemoval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keep.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	guard := NewCleanupGuard(path)
	guard.Disarm()
	if err := guard.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to survive disarmed guard: %v", err)
	}
}

func TestCleanupGuard_ArmedRemovesOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	guard := NewCleanupGuard(path)
	if err := guard.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected armed guard to remove the file on Close")
	}
}
