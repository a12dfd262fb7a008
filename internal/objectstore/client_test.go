package objectstore

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestNormalizeEndpoint(t *testing.T) {
	cases := map[string]string{
		"storage.example.com":        "https://storage.example.com",
		"https://storage.example.com": "https://storage.example.com",
		"http://localhost:9000":       "http://localhost:9000",
	}
	for in, want := range cases {
		if got := normalizeEndpoint(in); got != want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseArchiveURL(t *testing.T) {
	key, err := ParseArchiveURL("https://storage.example.com/snapshots/proj-123/archive.tar.gz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "snapshots/proj-123/archive.tar.gz" {
		t.Fatalf("key=%q, want snapshots/proj-123/archive.tar.gz", key)
	}
}

func TestParseArchiveURLRejectsEmptyKey(t *testing.T) {
	if _, err := ParseArchiveURL("https://storage.example.com/"); err == nil {
		t.Fatal("expected error for empty object key")
	}
}

func TestToObject(t *testing.T) {
	o := toObject(types.Object{Key: aws.String("project-files/a.js"), Size: aws.Int64(42)})
	if o.Key != "project-files/a.js" || o.Size != 42 {
		t.Fatalf("unexpected object: %+v", o)
	}
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	if _, err := New(nil, "", "", "", "", ""); err == nil {
		t.Fatal("expected error for empty configuration")
	}
}
