package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func writeExport(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPublish(t *testing.T) {
	fp := &fakePutter{}
	p := newS3Publisher(S3Config{Bucket: "exports", Prefix: "/ahdb/"}, fp)
	local := writeExport(t, "AuctionDB.lua", "ns.data = {}\n")

	key, err := p.Publish(context.Background(), "us", local)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "ahdb/us/AuctionDB.lua" {
		t.Errorf("unexpected key %q", key)
	}
	if len(fp.inputs) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(fp.inputs))
	}
	in := fp.inputs[0]
	if aws.ToString(in.Bucket) != "exports" || aws.ToString(in.Key) != key {
		t.Errorf("unexpected target %s/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))
	}
	if aws.ToString(in.ContentType) != "text/x-lua" {
		t.Errorf("unexpected content type %s", aws.ToString(in.ContentType))
	}
	if string(fp.bodies[0]) != "ns.data = {}\n" {
		t.Errorf("unexpected body %q", fp.bodies[0])
	}
	sum := sha256.Sum256([]byte("ns.data = {}\n"))
	if in.Metadata["sha256"] != hex.EncodeToString(sum[:]) || in.Metadata["region"] != "us" {
		t.Errorf("unexpected metadata %v", in.Metadata)
	}
}

func TestPublish_NoPrefix(t *testing.T) {
	p := newS3Publisher(S3Config{Bucket: "b"}, &fakePutter{})
	if got := p.Key("eu", "/tmp/out/summary.xlsx"); got != "eu/summary.xlsx" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestPublish_UploadError(t *testing.T) {
	boom := errors.New("access denied")
	p := newS3Publisher(S3Config{Bucket: "b"}, &fakePutter{err: boom})
	local := writeExport(t, "AuctionDB.lua", "x")
	if _, err := p.Publish(context.Background(), "us", local); !errors.Is(err, boom) {
		t.Errorf("expected wrapped upload error, got %v", err)
	}
}

func TestPublish_MissingFile(t *testing.T) {
	p := newS3Publisher(S3Config{Bucket: "b"}, &fakePutter{})
	if _, err := p.Publish(context.Background(), "us", filepath.Join(t.TempDir(), "none.lua")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestNewS3Publisher_RequiresBucket(t *testing.T) {
	if _, err := NewS3Publisher(context.Background(), S3Config{Region: "us-east-1"}); err == nil {
		t.Error("expected error without bucket")
	}
}
