package blob

import (
	"context"
	"errors"
	"testing"
)

func TestFSPutGet(t *testing.T) {
	ctx := context.Background()
	s, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	custom := Metadata{"expiresAt": "123", "sessionKey": "agent:main:main"}
	if err := s.Put(ctx, "media/agent:main:main/abc.png", []byte("png-bytes"), "image/png", custom); err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, info, err := ReadAll(ctx, s, "media/agent:main:main/abc.png")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("body = %q", data)
	}
	if info.ContentType != "image/png" {
		t.Fatalf("contentType = %q", info.ContentType)
	}
	if info.Custom["expiresAt"] != "123" {
		t.Fatalf("custom = %v", info.Custom)
	}
}

func TestFSMissing(t *testing.T) {
	ctx := context.Background()
	s, _ := NewFS(t.TempDir())
	if _, _, err := s.Get(ctx, "nope/zzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.Head(ctx, "nope/zzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Head err = %v", err)
	}
	if err := s.Delete(ctx, "nope/zzz"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestFSRejectsEscape(t *testing.T) {
	ctx := context.Background()
	s, _ := NewFS(t.TempDir())
	if err := s.Put(ctx, "../outside", []byte("x"), "", nil); err == nil {
		t.Fatal("path escape accepted")
	}
}

func TestFSList(t *testing.T) {
	ctx := context.Background()
	s, _ := NewFS(t.TempDir())
	keys := []string{
		"agents/main/sessions/s1.jsonl.gz",
		"agents/main/sessions/s2.jsonl.gz",
		"media/k/m1.png",
	}
	for _, k := range keys {
		if err := s.Put(ctx, k, []byte("x"), "application/gzip", nil); err != nil {
			t.Fatal(err)
		}
	}
	infos, err := s.List(ctx, "agents/main/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len = %d: %+v", len(infos), infos)
	}
	if infos[0].Key != "agents/main/sessions/s1.jsonl.gz" {
		t.Fatalf("first = %s", infos[0].Key)
	}
}
