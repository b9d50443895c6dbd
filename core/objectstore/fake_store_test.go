package objectstore

import (
	"context"
	"errors"
	"testing"
)

func TestFakeStorePutGetRoundTrip(t *testing.T) {
	store := NewFakeStore()
	ctx := context.Background()

	if err := store.PutObject(ctx, "bucket", "key.json", []byte(`{"a":1}`), "application/json", map[string]string{"guid": "abc"}); err != nil {
		t.Fatalf("put object: %v", err)
	}

	got, err := store.GetObject(ctx, "bucket", "key.json")
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("unexpected object body: %s", got)
	}
}

func TestFakeStoreMissingObject(t *testing.T) {
	store := NewFakeStore()
	if _, err := store.GetObject(context.Background(), "bucket", "missing.json"); err == nil {
		t.Fatalf("expected error for missing object")
	}
}

func TestFakeStorePropagatesErrors(t *testing.T) {
	store := NewFakeStore()
	store.PutErr = errors.New("put boom")
	store.GetErr = errors.New("get boom")

	if err := store.PutObject(context.Background(), "b", "k", nil, "", nil); err == nil {
		t.Fatalf("expected put error")
	}
	if _, err := store.GetObject(context.Background(), "b", "k"); err == nil {
		t.Fatalf("expected get error")
	}
}
