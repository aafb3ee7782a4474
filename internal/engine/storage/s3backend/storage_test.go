package s3

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	enginecrypto "github.com/MattFrayser/archdrop/internal/engine/crypto"
)

// fakeClient is an in-memory Client stand-in for exercising Storage
// without a real S3-compatible endpoint.
type fakeClient struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: make(map[string][]byte)}
}

func (f *fakeClient) PutObject(_ context.Context, bucket, key string, reader io.Reader, _ map[string]string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
	return nil
}

func TestStorage_FinalizeUploadsAssembledPlaintext(t *testing.T) {
	key, err := enginecrypto.GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey: %v", err)
	}
	aeadKey, err := enginecrypto.DeriveAEADKey(key)
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

	plaintext := [][]byte{[]byte("hello "), []byte("world")}
	client := newFakeClient()
	factory := NewStorageFactory(client, "archdrop-bucket", "uploads", nil)

	chunkStorage, err := factory(int64(len("hello world")), "dir/file.txt", 0)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	for i, pt := range plaintext {
		ct, err := enginecrypto.EncryptChunk(aead, nonceBase, uint32(i), pt)
		if err != nil {
			t.Fatalf("EncryptChunk: %v", err)
		}
		if err := chunkStorage.StoreChunk(uint32(i), ct, aead, nonceBase); err != nil {
			t.Fatalf("StoreChunk(%d): %v", i, err)
		}
	}

	digest, err := chunkStorage.Finalize(uint32(len(plaintext)), "")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if digest == "" {
		t.Fatal("expected non-empty digest")
	}

	client.mu.Lock()
	got, ok := client.objects["archdrop-bucket/uploads/dir/file.txt"]
	client.mu.Unlock()
	if !ok {
		t.Fatal("expected object to be uploaded under the prefixed key")
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("uploaded content = %q, want %q", got, "hello world")
	}
}

func TestStorage_FinalizeIncompleteUploadFails(t *testing.T) {
	client := newFakeClient()
	factory := NewStorageFactory(client, "bucket", "", nil)
	chunkStorage, _ := factory(10, "f.bin", 0)

	if _, err := chunkStorage.Finalize(3, ""); err == nil {
		t.Fatal("expected an error finalizing with zero stored chunks against an expectation of 3")
	}
}
