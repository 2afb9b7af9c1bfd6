package app

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
	"github.com/ui-toolbox/icon-repository-sub000/internal/auth"
	"github.com/ui-toolbox/icon-repository-sub000/internal/rbac"
	"github.com/ui-toolbox/icon-repository-sub000/internal/search"
	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

// fakeStore keeps icons in memory. Like the real repository it runs the
// external step before committing and discards the change when it fails.
type fakeStore struct {
	mu      sync.Mutex
	icons   map[string]*store.IconDescriptor
	content map[string][]byte
	pingFn  func(context.Context) error
	closed  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{icons: map[string]*store.IconDescriptor{}, content: map[string][]byte{}}
}

func contentKey(name string, desc store.IconfileDescriptor) string {
	return name + "/" + desc.Format + "/" + desc.Size
}

func apply[T any](ctx context.Context, step store.ExternalStep[T], value T) error {
	if step == nil {
		return nil
	}
	return step.Apply(ctx, value)
}

func (f *fakeStore) CreateIcon(ctx context.Context, iconfile store.Iconfile, user string, step store.ExternalStep[store.Iconfile]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.icons[iconfile.Name]; ok {
		return apperr.AlreadyExistsf("icon %q already exists", iconfile.Name)
	}
	if err := apply(ctx, step, iconfile); err != nil {
		return err
	}
	f.icons[iconfile.Name] = &store.IconDescriptor{
		Name:       iconfile.Name,
		ModifiedBy: user,
		ModifiedAt: time.Now(),
		Iconfiles:  []store.IconfileDescriptor{iconfile.IconfileDescriptor},
	}
	f.content[contentKey(iconfile.Name, iconfile.IconfileDescriptor)] = iconfile.Content
	return nil
}

func (f *fakeStore) AddIconfileToIcon(ctx context.Context, iconfile store.Iconfile, user string, step store.ExternalStep[store.Iconfile]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	icon, ok := f.icons[iconfile.Name]
	if !ok {
		return apperr.NotFoundf("icon %q not found", iconfile.Name)
	}
	if _, ok := f.content[contentKey(iconfile.Name, iconfile.IconfileDescriptor)]; ok {
		return apperr.AlreadyExistsf("iconfile already exists: icon %q, format %q, size %q",
			iconfile.Name, iconfile.Format, iconfile.Size)
	}
	if err := apply(ctx, step, iconfile); err != nil {
		return err
	}
	icon.Iconfiles = append(icon.Iconfiles, iconfile.IconfileDescriptor)
	icon.ModifiedBy = user
	f.content[contentKey(iconfile.Name, iconfile.IconfileDescriptor)] = iconfile.Content
	return nil
}

func (f *fakeStore) UpdateIcon(ctx context.Context, oldName string, attrs store.IconAttributes, user string, step store.ExternalStep[store.IconDescriptor]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	icon, ok := f.icons[oldName]
	if !ok {
		return apperr.NotFoundf("icon %q not found", oldName)
	}
	if _, taken := f.icons[attrs.Name]; taken && attrs.Name != oldName {
		return apperr.AlreadyExistsf("icon %q already exists", attrs.Name)
	}
	if err := apply(ctx, step, copyDescriptor(icon)); err != nil {
		return err
	}
	for _, desc := range icon.Iconfiles {
		f.content[contentKey(attrs.Name, desc)] = f.content[contentKey(oldName, desc)]
		if attrs.Name != oldName {
			delete(f.content, contentKey(oldName, desc))
		}
	}
	delete(f.icons, oldName)
	icon.Name = attrs.Name
	icon.ModifiedBy = user
	f.icons[attrs.Name] = icon
	return nil
}

func (f *fakeStore) DeleteIcon(ctx context.Context, name, user string, step store.ExternalStep[store.IconDescriptor]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	icon, ok := f.icons[name]
	if !ok {
		return apperr.NotFoundf("icon %q not found", name)
	}
	if err := apply(ctx, step, copyDescriptor(icon)); err != nil {
		return err
	}
	for _, desc := range icon.Iconfiles {
		delete(f.content, contentKey(name, desc))
	}
	delete(f.icons, name)
	return nil
}

func (f *fakeStore) DeleteIconfile(ctx context.Context, name string, desc store.IconfileDescriptor, user string, step store.ExternalStep[store.IconfileDescriptor]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	icon, ok := f.icons[name]
	if !ok {
		return apperr.NotFoundf("icon %q not found", name)
	}
	if _, ok := f.content[contentKey(name, desc)]; !ok {
		return apperr.NotFoundf("iconfile %s of icon %q not found", desc, name)
	}
	if err := apply(ctx, step, desc); err != nil {
		return err
	}
	delete(f.content, contentKey(name, desc))
	remaining := icon.Iconfiles[:0]
	for _, d := range icon.Iconfiles {
		if d != desc {
			remaining = append(remaining, d)
		}
	}
	icon.Iconfiles = remaining
	if len(icon.Iconfiles) == 0 {
		delete(f.icons, name)
	}
	return nil
}

func (f *fakeStore) DescribeIcon(_ context.Context, name string) (store.IconDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	icon, ok := f.icons[name]
	if !ok {
		return store.IconDescriptor{}, apperr.NotFoundf("icon %q not found", name)
	}
	return copyDescriptor(icon), nil
}

func (f *fakeStore) DescribeAllIcons(context.Context) ([]store.IconDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.IconDescriptor, 0, len(f.icons))
	for _, icon := range f.icons {
		out = append(out, copyDescriptor(icon))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) GetIconfile(_ context.Context, name string, desc store.IconfileDescriptor) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.content[contentKey(name, desc)]
	if !ok {
		return nil, apperr.NotFoundf("iconfile %s of icon %q not found", desc, name)
	}
	return content, nil
}

func (f *fakeStore) GetTags(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var tags []string
	for _, icon := range f.icons {
		for _, tag := range icon.Tags {
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	sort.Strings(tags)
	return tags, nil
}

func (f *fakeStore) AddTag(_ context.Context, name, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	icon, ok := f.icons[name]
	if !ok {
		return apperr.NotFoundf("icon %q not found", name)
	}
	for _, existing := range icon.Tags {
		if existing == tag {
			return nil
		}
	}
	icon.Tags = append(icon.Tags, tag)
	return nil
}

func (f *fakeStore) RemoveTag(_ context.Context, name, tag string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	icon, ok := f.icons[name]
	if !ok {
		return 0, apperr.NotFoundf("icon %q not found", name)
	}
	kept := icon.Tags[:0]
	found := false
	for _, existing := range icon.Tags {
		if existing == tag {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		return 0, apperr.NotFoundf("tag %q not found on icon %q", tag, name)
	}
	icon.Tags = kept
	count := 0
	for _, other := range f.icons {
		for _, existing := range other.Tags {
			if existing == tag {
				count++
			}
		}
	}
	return count, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func copyDescriptor(icon *store.IconDescriptor) store.IconDescriptor {
	out := *icon
	out.Iconfiles = append([]store.IconfileDescriptor(nil), icon.Iconfiles...)
	out.Tags = append([]string(nil), icon.Tags...)
	return out
}

type fakeGit struct {
	mu      sync.Mutex
	calls   []string
	failErr error
	history []store.CommitInfo
	pending int
}

func (g *fakeGit) record(call string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failErr != nil {
		return g.failErr
	}
	g.calls = append(g.calls, call)
	return nil
}

func (g *fakeGit) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGit) AddIconfile(_ context.Context, iconfile store.Iconfile, user string) error {
	return g.record(fmt.Sprintf("add %s %s by %s", iconfile.Name, iconfile.IconfileDescriptor, user))
}

func (g *fakeGit) DeleteIconfile(_ context.Context, name string, desc store.IconfileDescriptor, user string) error {
	return g.record(fmt.Sprintf("delete %s %s by %s", name, desc, user))
}

func (g *fakeGit) UpdateIcon(_ context.Context, oldName, newName string, descs []store.IconfileDescriptor, user string) error {
	return g.record(fmt.Sprintf("rename %s to %s (%d files) by %s", oldName, newName, len(descs), user))
}

func (g *fakeGit) DeleteIcon(_ context.Context, name string, descs []store.IconfileDescriptor, user string) error {
	return g.record(fmt.Sprintf("delete icon %s (%d files) by %s", name, len(descs), user))
}

func (g *fakeGit) History(_ context.Context, limit int) ([]store.CommitInfo, error) {
	if limit > 0 && limit < len(g.history) {
		return g.history[:limit], nil
	}
	return g.history, nil
}

func (g *fakeGit) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []string
	removed []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{{Name: q.Text}}, Total: 1, Query: q.Text, Backend: "fake"}
}

func (f *fakeSearch) IndexIcon(desc store.IconDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, desc.Name)
}

func (f *fakeSearch) RemoveIcon(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
}

type fakeMirror struct {
	puts    []string
	removes []string
	renames []string
	failErr error
}

func (m *fakeMirror) Put(_ context.Context, iconfile store.Iconfile) error {
	m.puts = append(m.puts, iconfile.Name+" "+iconfile.IconfileDescriptor.String())
	return m.failErr
}

func (m *fakeMirror) Remove(_ context.Context, name string, desc store.IconfileDescriptor) error {
	m.removes = append(m.removes, name+" "+desc.String())
	return m.failErr
}

func (m *fakeMirror) Rename(_ context.Context, oldName, newName string, descs []store.IconfileDescriptor) error {
	m.renames = append(m.renames, fmt.Sprintf("%s->%s (%d)", oldName, newName, len(descs)))
	return m.failErr
}

type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]store.User
}

func newMemorySessions() *memorySessions {
	return &memorySessions{sessions: map[string]store.User{}}
}

func (m *memorySessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[tokenHash] = user
	return nil
}

func (m *memorySessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.sessions[tokenHash]
	if !ok {
		return store.User{}, apperr.NotFoundf("refresh session not found or expired")
	}
	return user, nil
}

func (m *memorySessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, tokenHash)
	return nil
}

type testEnv struct {
	store    *fakeStore
	git      *fakeGit
	search   *fakeSearch
	mirror   *fakeMirror
	service  *IconService
	sessions *Sessions
	server   *HTTPServer
}

const testSecret = "test-secret"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  newFakeStore(),
		git:    &fakeGit{},
		search: &fakeSearch{},
		mirror: &fakeMirror{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.service = NewIconService(Options{
		Store:  env.store,
		Git:    env.git,
		Search: env.search,
		Mirror: env.mirror,
		Logger: logger,
	})
	env.sessions = NewSessions(SessionConfig{
		TokenSecret: testSecret,
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
	}, testDirectory(t), newMemorySessions())
	env.server = NewHTTPServer(env.service, env.sessions, HTTPConfig{
		CORSOrigin: "*",
		Policy:     rbac.DefaultPolicy(),
		Logger:     logger,
	})
	return env
}

// testDirectory holds an editor and a user without privileges. bcrypt's
// minimum cost keeps the tests fast.
func testDirectory(t *testing.T) *auth.Directory {
	t.Helper()
	return auth.NewDirectory([]auth.Account{
		{Username: "ux", PasswordHash: minCostHash(t, "ux-pass"), Groups: []string{rbac.GroupEditor}},
		{Username: "viewer", PasswordHash: minCostHash(t, "viewer-pass")},
	})
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))))
	return buf.Bytes()
}

func minCostHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}
