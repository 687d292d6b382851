package gomod

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/goplus/corebuild/internal/run/runtest"
)

func TestDownloadTidy(t *testing.T) {
	rec := runtest.New()
	tool := New("", "goClash", rec)
	ctx := context.Background()

	if err := tool.Download(ctx); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := tool.Tidy(ctx); err != nil {
		t.Fatalf("Tidy: %v", err)
	}

	want := []string{"go mod download", "go mod tidy"}
	if diff := cmp.Diff(want, rec.Keys()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	for _, c := range rec.Calls {
		if c.Dir != "goClash" {
			t.Errorf("%s ran in %q, want goClash", runtest.Key(c), c.Dir)
		}
	}
}

func TestTidyError(t *testing.T) {
	rec := runtest.New()
	boom := errors.New("exit status 1")
	rec.Errors["/usr/bin/go mod tidy"] = boom

	err := New("/usr/bin/go", "", rec).Tidy(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Tidy err = %v, want %v", err, boom)
	}
}
