// Package cache reads pre-captured web pages from a per-task directory
// cache and serves them as judge evidence.
//
// Layout:
//
//	<root>/<task_id>/index.json   {"https://example.com/a": "web", ...}
//	<root>/<task_id>/<md5>.txt    page text
//	<root>/<task_id>/<md5>.jpg    page screenshot
//	<root>/<task_id>/<md5>.pdf    pdf document
//
// The md5 is taken over the URL with its fragment and trailing slash
// removed and percent-escapes decoded.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zero-day-ai/rubriceval/judge"
)

// ContentType is the kind of content stored for a URL.
type ContentType string

const (
	ContentWeb ContentType = "web"
	ContentPDF ContentType = "pdf"
)

const indexFile = "index.json"

// Store is a directory-backed page cache. Task indexes are loaded lazily
// and kept in memory.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*taskIndex
}

type taskIndex struct {
	dir  string
	urls map[string]ContentType
	// norm maps a normalized URL to the stored URL it came from.
	norm map[string]string
}

// Open returns a store rooted at root. The directory need not exist yet;
// missing tasks simply have no pages.
func Open(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:   root,
		logger: logger.With("component", "cache"),
		tasks:  make(map[string]*taskIndex),
	}
}

// Fetch implements judge.Fetcher. Unknown URLs and PDF-only entries return
// judge.ErrNotFound.
func (s *Store) Fetch(ctx context.Context, taskID, rawURL string) (*judge.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx, err := s.index(taskID)
	if err != nil {
		return nil, err
	}

	stored, ok := idx.find(rawURL)
	if !ok {
		return nil, fmt.Errorf("%s: %w", rawURL, judge.ErrNotFound)
	}
	if idx.urls[stored] != ContentWeb {
		s.logger.Debug("cached entry is not a web page", "task_id", taskID, "url", rawURL, "type", idx.urls[stored])
		return nil, fmt.Errorf("%s: no web content: %w", rawURL, judge.ErrNotFound)
	}

	base := filepath.Join(idx.dir, Hash(stored))
	text, err := os.ReadFile(base + ".txt")
	if err != nil {
		return nil, fmt.Errorf("read cached text for %s: %w", rawURL, err)
	}
	shot, err := os.ReadFile(base + ".jpg")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read cached screenshot for %s: %w", rawURL, err)
	}

	return &judge.Page{URL: stored, Text: string(text), Screenshot: shot}, nil
}

// URLs lists the cached URLs for a task in sorted order.
func (s *Store) URLs(taskID string) ([]string, error) {
	idx, err := s.index(taskID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(idx.urls))
	for u := range idx.urls {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// PutWeb stores page text and screenshot for a URL and rewrites the task
// index.
func (s *Store) PutWeb(taskID, rawURL, text string, screenshot []byte) error {
	idx, err := s.index(taskID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(idx.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	key := Normalize(rawURL)
	base := filepath.Join(idx.dir, Hash(key))
	if err := os.WriteFile(base+".txt", []byte(text), 0o644); err != nil {
		return fmt.Errorf("write cached text: %w", err)
	}
	if err := os.WriteFile(base+".jpg", screenshot, 0o644); err != nil {
		return fmt.Errorf("write cached screenshot: %w", err)
	}

	idx.add(key, ContentWeb)
	return idx.save()
}

func (s *Store) index(taskID string) (*taskIndex, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return nil, fmt.Errorf("invalid task id %q", taskID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.tasks[taskID]; ok {
		return idx, nil
	}

	idx := &taskIndex{
		dir:  filepath.Join(s.root, taskID),
		urls: make(map[string]ContentType),
		norm: make(map[string]string),
	}

	data, err := os.ReadFile(filepath.Join(idx.dir, indexFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read cache index for %s: %w", taskID, err)
	default:
		var loaded map[string]ContentType
		if err := json.Unmarshal(data, &loaded); err != nil {
			s.logger.Warn("failed to parse cache index, starting empty", "task_id", taskID, "error", err)
		}
		for u, ct := range loaded {
			if !idx.filesExist(u, ct) {
				s.logger.Warn("missing cached files, dropping entry", "task_id", taskID, "url", u)
				continue
			}
			idx.add(u, ct)
		}
	}

	s.tasks[taskID] = idx
	return idx, nil
}

func (t *taskIndex) add(u string, ct ContentType) {
	t.urls[u] = ct
	t.norm[Normalize(u)] = u
}

func (t *taskIndex) filesExist(u string, ct ContentType) bool {
	base := filepath.Join(t.dir, Hash(u))
	exts := []string{".txt", ".jpg"}
	if ct == ContentPDF {
		exts = []string{".pdf"}
	}
	for _, ext := range exts {
		if _, err := os.Stat(base + ext); err != nil {
			return false
		}
	}
	return true
}

func (t *taskIndex) find(rawURL string) (string, bool) {
	if _, ok := t.urls[rawURL]; ok {
		return rawURL, true
	}
	for _, v := range Variants(rawURL) {
		if _, ok := t.urls[v]; ok {
			return v, true
		}
		if stored, ok := t.norm[Normalize(v)]; ok {
			return stored, true
		}
	}
	return "", false
}

func (t *taskIndex) save() error {
	data, err := json.MarshalIndent(t.urls, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache index: %w", err)
	}

	tmp, err := os.CreateTemp(t.dir, ".index-*.json")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp index: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(t.dir, indexFile))
}

// Normalize strips the fragment, decodes percent-escapes and drops a single
// trailing slash.
func Normalize(rawURL string) string {
	u, _, _ := strings.Cut(rawURL, "#")
	if decoded, err := url.PathUnescape(u); err == nil {
		u = decoded
	}
	if len(u) > 1 && strings.HasSuffix(u, "/") && !strings.HasSuffix(u, "://") {
		u = u[:len(u)-1]
	}
	return u
}

// Hash returns the cache file stem for a URL.
func Hash(rawURL string) string {
	sum := md5.Sum([]byte(Normalize(rawURL)))
	return hex.EncodeToString(sum[:])
}

// Variants returns lookup candidates for a URL: the URL itself, without
// fragment, without utm_* tracking parameters, without a leading "www.",
// and with the http/https scheme swapped.
func Variants(rawURL string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	noFrag, _, _ := strings.Cut(rawURL, "#")
	for _, base := range []string{rawURL, noFrag, stripTracking(rawURL), stripTracking(noFrag)} {
		add(base)
		if rest, ok := strings.CutPrefix(base, "https://www."); ok {
			add("https://" + rest)
		} else if rest, ok := strings.CutPrefix(base, "http://www."); ok {
			add("http://" + rest)
		}
	}
	for _, v := range append([]string(nil), out...) {
		switch {
		case strings.HasPrefix(v, "https://"):
			add("http://" + strings.TrimPrefix(v, "https://"))
		case strings.HasPrefix(v, "http://"):
			add("https://" + strings.TrimPrefix(v, "http://"))
		}
	}
	return out
}

func stripTracking(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.RawQuery == "" {
		return rawURL
	}
	q := u.Query()
	changed := false
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") {
			q.Del(k)
			changed = true
		}
	}
	if !changed {
		return rawURL
	}
	u.RawQuery = q.Encode()
	return u.String()
}
