package helpers

import "testing"

func TestCanonicalURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "defaults https and cleans path",
			in:   "Example.com/news/../tech/latest",
			want: "https://example.com/tech/latest",
		},
		{
			name: "strips default port fragment and tracking params",
			in:   "http://news.example.com:80/article?id=123&utm_source=rss#comments",
			want: "http://news.example.com/article?id=123",
		},
		{
			name: "sorts query parameters and keeps trailing slash",
			in:   "https://example.com/path/?b=2&a=1&fbclid=xyz",
			want: "https://example.com/path/?a=1&b=2",
		},
		{
			name: "schemeless with double slash",
			in:   "//blog.example.com/post/42?utm_medium=email",
			want: "https://blog.example.com/post/42",
		},
		{
			name: "collapses repeated slashes",
			in:   "https://example.com//a//b///c",
			want: "https://example.com/a/b/c",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalURL(tt.in)
			if err != nil {
				t.Fatalf("CanonicalURL() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("CanonicalURL() got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCanonicalURLErrors(t *testing.T) {
	t.Parallel()
	if _, err := CanonicalURL(""); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := CanonicalURL(":///invalid"); err == nil {
		t.Fatalf("expected error for malformed url")
	}
}

func TestURLFingerprintIdempotent(t *testing.T) {
	t.Parallel()
	fp1, err := URLFingerprint("https://Example.com/story?utm_campaign=x&a=1")
	if err != nil {
		t.Fatalf("URLFingerprint: %v", err)
	}
	fp2, err := URLFingerprint("example.com/story?a=1#top")
	if err != nil {
		t.Fatalf("URLFingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("variants of the same link must share an identity: %s vs %s", fp1, fp2)
	}
	if len(fp1) != 64 {
		t.Fatalf("expected sha256 hex digest, got %d chars", len(fp1))
	}
}

func TestURLFingerprintDistinct(t *testing.T) {
	t.Parallel()
	fp1, _ := URLFingerprint("https://example.com/a")
	fp2, _ := URLFingerprint("https://example.com/b")
	if fp1 == fp2 {
		t.Fatalf("different articles must not collide")
	}
}
