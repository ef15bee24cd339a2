package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/rubriceval/judge"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://example.com/a/#top", "https://example.com/a"},
		{"https://example.com/a%20b", "https://example.com/a b"},
		{"https://example.com/", "https://example.com"},
		{"https://", "https://"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestHash_IgnoresFragmentAndSlash(t *testing.T) {
	assert.Equal(t, Hash("https://example.com/page"), Hash("https://example.com/page/#section"))
	assert.Len(t, Hash("x"), 32)
}

func TestVariants(t *testing.T) {
	v := Variants("https://www.example.com/p?utm_source=chatgpt.com#frag")

	assert.Contains(t, v, "https://example.com/p?utm_source=chatgpt.com")
	assert.Contains(t, v, "https://www.example.com/p")
	assert.Contains(t, v, "http://example.com/p")
}

func TestStore_PutAndFetch(t *testing.T) {
	root := t.TempDir()
	s := Open(root, nil)

	require.NoError(t, s.PutWeb("task1", "https://example.com/page/", "hello world", []byte{0xff, 0xd8}))

	page, err := s.Fetch(context.Background(), "task1", "https://www.example.com/page?utm_medium=x#intro")
	require.NoError(t, err)
	assert.Equal(t, "hello world", page.Text)
	assert.Equal(t, []byte{0xff, 0xd8}, page.Screenshot)

	// A fresh store reloads the index from disk.
	reopened := Open(root, nil)
	urls, err := reopened.URLs("task1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/page"}, urls)

	_, err = reopened.Fetch(context.Background(), "task1", "http://example.com/page")
	assert.NoError(t, err)
}

func TestStore_NotFound(t *testing.T) {
	s := Open(t.TempDir(), nil)

	_, err := s.Fetch(context.Background(), "task1", "https://nowhere.example")
	assert.ErrorIs(t, err, judge.ErrNotFound)

	_, err = s.Fetch(context.Background(), "../escape", "https://nowhere.example")
	assert.Error(t, err)
}

func TestStore_DropsEntriesWithMissingFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "task1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFile),
		[]byte(`{"https://a.example": "web", "https://b.example/doc.pdf": "pdf"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, Hash("https://b.example/doc.pdf")+".pdf"), []byte("%PDF"), 0o644))

	s := Open(root, nil)
	urls, err := s.URLs("task1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://b.example/doc.pdf"}, urls)

	_, err = s.Fetch(context.Background(), "task1", "https://b.example/doc.pdf")
	assert.ErrorIs(t, err, judge.ErrNotFound)
}
