package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"diagrid/api/internal/authpw"
	"diagrid/api/internal/config"
	"diagrid/api/internal/history"
	"diagrid/api/internal/ledger"
	"diagrid/api/internal/search"
	"diagrid/api/internal/session"
	"diagrid/api/internal/store"
)

// memStore backs the data store, the auth user store, and the refresh
// session store for tests.
type memStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	projects map[string]store.Project
	diagrams map[string]store.Diagram
	txs      []store.CreditTransaction
	refresh  map[string]session.TokenData
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]store.User),
		projects: make(map[string]store.Project),
		diagrams: make(map[string]store.Diagram),
		refresh:  make(map[string]session.TokenData),
	}
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *memStore) InsertProject(_ context.Context, p store.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	return nil
}

func (m *memStore) ListProjects(_ context.Context, ownerID string) ([]store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Project
	for _, p := range m.projects {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) GetProject(_ context.Context, id string) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return p, nil
}

func (m *memStore) RenameProject(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Name = name
	m.projects[id] = p
	return nil
}

func (m *memStore) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, id)
	for did, d := range m.diagrams {
		if d.ProjectID == id {
			delete(m.diagrams, did)
		}
	}
	return nil
}

func (m *memStore) InsertDiagram(_ context.Context, d store.Diagram) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diagrams[d.ID] = d
	return nil
}

func (m *memStore) ListDiagrams(_ context.Context, projectID string) ([]store.Diagram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Diagram
	for _, d := range m.diagrams {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) GetDiagram(_ context.Context, id string) (store.Diagram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.diagrams[id]
	if !ok {
		return store.Diagram{}, store.ErrNotFound
	}
	return d, nil
}

func (m *memStore) GetPublicDiagram(_ context.Context, id string) (store.Diagram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.diagrams[id]
	if !ok || !d.IsPublic {
		return store.Diagram{}, store.ErrNotFound
	}
	return d, nil
}

func (m *memStore) RenameDiagram(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.diagrams[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Name = name
	m.diagrams[id] = d
	return nil
}

func (m *memStore) UpdateDiagramCode(_ context.Context, id, code string) (store.Diagram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.diagrams[id]
	if !ok {
		return store.Diagram{}, store.ErrNotFound
	}
	d.Code = code
	d.UpdatedAt = time.Now()
	m.diagrams[id] = d
	return d, nil
}

func (m *memStore) SetDiagramVisibility(_ context.Context, id string, isPublic bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.diagrams[id]
	if !ok {
		return store.ErrNotFound
	}
	d.IsPublic = isPublic
	m.diagrams[id] = d
	return nil
}

func (m *memStore) DeleteDiagram(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.diagrams, id)
	return nil
}

func (m *memStore) ListCreditTransactions(_ context.Context, userID string, limit int) ([]store.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.CreditTransaction
	for _, tx := range m.txs {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash, userID, email string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = session.TokenData{UserID: userID, Email: email, CreatedAt: time.Now()}
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (session.TokenData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.refresh[tokenHash]
	if !ok {
		return session.TokenData{}, session.ErrSessionNotFound
	}
	return data, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

type fakeHistory struct {
	mu       sync.Mutex
	versions map[string]map[string]string
	messages []string
	seq      int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{versions: make(map[string]map[string]string)}
}

func (f *fakeHistory) EnsureRepo(diagramID, code, author string) error {
	_, err := f.CommitCode(diagramID, code, author, "Initial version")
	return err
}

func (f *fakeHistory) CommitCode(diagramID, code, author, message string) (history.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	hash := fmt.Sprintf("%07d", f.seq)
	if f.versions[diagramID] == nil {
		f.versions[diagramID] = make(map[string]string)
	}
	f.versions[diagramID][hash] = code
	f.messages = append(f.messages, message)
	return history.CommitInfo{Hash: hash, Message: message, Author: author, CreatedAt: time.Now()}, nil
}

func (f *fakeHistory) History(diagramID string, limit int) ([]history.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []history.CommitInfo
	for hash := range f.versions[diagramID] {
		out = append(out, history.CommitInfo{Hash: hash})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeHistory) CodeAt(diagramID, hash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.versions[diagramID][hash]
	if !ok {
		return "", errors.New("version not found")
	}
	return code, nil
}

func (f *fakeHistory) lastMessage() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1]
}

type fakeSearchIndex struct {
	mu      sync.Mutex
	indexed map[string]search.DiagramRecord
	deleted []string
}

func newFakeSearchIndex() *fakeSearchIndex {
	return &fakeSearchIndex{indexed: make(map[string]search.DiagramRecord)}
}

func (f *fakeSearchIndex) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := search.Response{Results: []search.Result{}, Query: q.Text}
	for _, rec := range f.indexed {
		if rec.OwnerID != q.OwnerID {
			continue
		}
		if q.Text != "" && !strings.Contains(rec.Name, q.Text) && !strings.Contains(rec.Code, q.Text) {
			continue
		}
		resp.Results = append(resp.Results, search.Result{ID: rec.ID, Name: rec.Name, ProjectID: rec.ProjectID, OwnerID: rec.OwnerID})
	}
	resp.Total = len(resp.Results)
	return resp
}

func (f *fakeSearchIndex) IndexDiagram(rec search.DiagramRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[rec.ID] = rec
}

func (f *fakeSearchIndex) DeleteDiagram(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.indexed, id)
	f.deleted = append(f.deleted, id)
}

type fakeSnapshots struct {
	mu   sync.Mutex
	svgs map[string]string
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{svgs: make(map[string]string)}
}

func (f *fakeSnapshots) PutSVG(_ context.Context, diagramID, svg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.svgs[diagramID] = svg
	return nil
}

func (f *fakeSnapshots) GetSVG(_ context.Context, diagramID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svg, ok := f.svgs[diagramID]
	if !ok {
		return "", errors.New("snapshot not found")
	}
	return svg, nil
}

func (f *fakeSnapshots) Delete(_ context.Context, diagramID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.svgs, diagramID)
	return nil
}

type fakeCreditLedger struct {
	mu       sync.Mutex
	balances map[string]int64
}

func (f *fakeCreditLedger) Deduct(_ context.Context, userID string, amount int64, _, _ string, _ map[string]string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal, ok := f.balances[userID]
	if !ok {
		bal = 50
	}
	if bal < amount {
		return 0, &ledger.InsufficientQuotaError{Balance: bal}
	}
	f.balances[userID] = bal - amount
	return bal - amount, nil
}

func (f *fakeCreditLedger) Balance(_ context.Context, userID string) (ledger.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal, ok := f.balances[userID]
	if !ok {
		bal = 50
		f.balances[userID] = bal
	}
	return ledger.Balance{UserID: userID, Balance: bal, LifetimeUsed: 50 - bal}, nil
}

type stubRenderer struct{}

func (stubRenderer) Parse(context.Context, string) error { return nil }

func (stubRenderer) Render(_ context.Context, _ string, text string) (string, error) {
	return "<svg>" + text + "</svg>", nil
}

type testEnv struct {
	svc      *Service
	store    *memStore
	history  *fakeHistory
	search   *fakeSearchIndex
	snapshot *fakeSnapshots
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()
	ms := newMemStore()
	hist := newFakeHistory()
	idx := newFakeSearchIndex()
	snaps := newFakeSnapshots()
	svc := New(Options{
		Config: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		Store:    ms,
		AuthPW:   authpw.NewService(ms),
		Refresh:  ms,
		Ledger:   &fakeCreditLedger{balances: make(map[string]int64)},
		History:  hist,
		Search:   idx,
		Snapshot: snaps,
		Renderer: stubRenderer{},
	})
	t.Cleanup(svc.Close)
	return &testEnv{svc: svc, store: ms, history: hist, search: idx, snapshot: snaps}
}

func signUp(t *testing.T, svc *Service, email string) Session {
	t.Helper()
	sess, err := svc.SignUp(context.Background(), email, "Sup3rSecret", "Test User")
	if err != nil {
		t.Fatalf("SignUp(%s) error = %v", email, err)
	}
	return sess
}

func createProject(t *testing.T, svc *Service, sess Session, name string) string {
	t.Helper()
	p, err := svc.CreateProject(context.Background(), sess, name)
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	return p["id"].(string)
}

func createDiagram(t *testing.T, svc *Service, sess Session, projectID, name, code string) string {
	t.Helper()
	d, err := svc.CreateDiagram(context.Background(), sess, projectID, name, code)
	if err != nil {
		t.Fatalf("CreateDiagram() error = %v", err)
	}
	return d["id"].(string)
}

func wantStatus(t *testing.T, err error, status int) {
	t.Helper()
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want DomainError", err)
	}
	if de.Status != status {
		t.Fatalf("status = %d, want %d", de.Status, status)
	}
}

func TestAuthLifecycle(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	sess := signUp(t, env.svc, "alice@example.com")
	if sess.Token == "" || sess.RefreshToken == "" {
		t.Fatal("sign up must issue both tokens")
	}

	got, err := env.svc.SessionFromToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if got.UserID != sess.UserID || got.Email != "alice@example.com" {
		t.Fatalf("token resolved to %+v", got)
	}

	_, err = env.svc.SignUp(ctx, "alice@example.com", "An0therPass", "Alice Again")
	wantStatus(t, err, http.StatusConflict)

	if _, err := env.svc.SignIn(ctx, "alice@example.com", "wrong-password"); err == nil {
		t.Fatal("expected sign in failure")
	} else {
		wantStatus(t, err, http.StatusUnauthorized)
	}
	if _, err := env.svc.SignIn(ctx, "alice@example.com", "Sup3rSecret"); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	// Refresh rotates: the old refresh token is single use.
	next, err := env.svc.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if next.RefreshToken == sess.RefreshToken {
		t.Fatal("refresh must rotate the refresh token")
	}
	if _, err := env.svc.Refresh(ctx, sess.RefreshToken); err == nil {
		t.Fatal("expected the consumed refresh token to be rejected")
	}

	if err := env.svc.Logout(ctx, next.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := env.svc.Refresh(ctx, next.RefreshToken); err == nil {
		t.Fatal("expected the revoked refresh token to be rejected")
	}
}

func TestProjectOwnership(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	alice := signUp(t, env.svc, "alice@example.com")
	mallory := signUp(t, env.svc, "mallory@example.com")

	projectID := createProject(t, env.svc, alice, "Infra Diagrams")

	_, err := env.svc.RenameProject(ctx, mallory, projectID, "Mine Now")
	wantStatus(t, err, http.StatusForbidden)

	err = env.svc.DeleteProject(ctx, mallory, projectID)
	wantStatus(t, err, http.StatusForbidden)

	if _, err := env.svc.RenameProject(ctx, alice, projectID, "Renamed"); err != nil {
		t.Fatalf("RenameProject() error = %v", err)
	}

	_, err = env.svc.CreateProject(ctx, alice, "   ")
	wantStatus(t, err, http.StatusUnprocessableEntity)
	_, err = env.svc.CreateProject(ctx, alice, strings.Repeat("x", 256))
	wantStatus(t, err, http.StatusUnprocessableEntity)
}

func TestCreateDiagramDefaultsAndIndexing(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	alice := signUp(t, env.svc, "alice@example.com")
	projectID := createProject(t, env.svc, alice, "Infra")

	diagramID := createDiagram(t, env.svc, alice, projectID, "Deploy Flow", "")
	d, err := env.svc.GetDiagram(ctx, alice, diagramID)
	if err != nil {
		t.Fatalf("GetDiagram() error = %v", err)
	}
	if d["code"] != defaultDiagramCode {
		t.Fatalf("empty code must fall back to the template, got %q", d["code"])
	}

	// A starter version exists and the diagram is searchable.
	commits, err := env.history.History(diagramID, 10)
	if err != nil || len(commits) != 1 {
		t.Fatalf("history = %v, %v, want one initial commit", commits, err)
	}
	resp, err := env.svc.Search(ctx, alice, "Deploy", "", 10, 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Total != 1 || resp.Results[0].ID != diagramID {
		t.Fatalf("search response = %+v", resp)
	}

	// Deleting the project drops its diagrams from the index.
	if err := env.svc.DeleteProject(ctx, alice, projectID); err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}
	resp, err = env.svc.Search(ctx, alice, "Deploy", "", 10, 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Total != 0 {
		t.Fatalf("index still serves deleted diagram: %+v", resp)
	}
}

func TestShareAndPublicAccess(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	alice := signUp(t, env.svc, "alice@example.com")
	projectID := createProject(t, env.svc, alice, "Infra")
	diagramID := createDiagram(t, env.svc, alice, projectID, "Flow", "graph TD\n    A --> B")

	// Not shared yet: the public endpoint must not leak it.
	if _, err := env.svc.PublicDiagram(ctx, diagramID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("PublicDiagram before share error = %v, want ErrNotFound", err)
	}

	shared, err := env.svc.ShareDiagram(ctx, alice, diagramID)
	if err != nil {
		t.Fatalf("ShareDiagram() error = %v", err)
	}
	if shared["shareUrl"] != "/share/"+diagramID {
		t.Fatalf("shareUrl = %v", shared["shareUrl"])
	}

	pub, err := env.svc.PublicDiagram(ctx, diagramID)
	if err != nil {
		t.Fatalf("PublicDiagram() error = %v", err)
	}
	if pub["code"] != "graph TD\n    A --> B" {
		t.Fatalf("public code = %v", pub["code"])
	}
	if pub["svg"] != "<svg>graph TD\n    A --> B</svg>" {
		t.Fatalf("public svg = %v", pub["svg"])
	}

	if err := env.svc.UnshareDiagram(ctx, alice, diagramID); err != nil {
		t.Fatalf("UnshareDiagram() error = %v", err)
	}
	if _, err := env.svc.PublicDiagram(ctx, diagramID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("PublicDiagram after unshare error = %v, want ErrNotFound", err)
	}
}

func TestRestoreVersion(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	alice := signUp(t, env.svc, "alice@example.com")
	projectID := createProject(t, env.svc, alice, "Infra")
	diagramID := createDiagram(t, env.svc, alice, projectID, "Flow", "graph TD\n    A")

	v1, err := env.svc.DiagramHistory(ctx, alice, diagramID, 10)
	if err != nil || len(v1) != 1 {
		t.Fatalf("history = %v, %v", v1, err)
	}
	firstHash := v1[0].Hash

	if _, err := env.history.CommitCode(diagramID, "graph TD\n    A --> B", "Test User", "Autosave"); err != nil {
		t.Fatalf("CommitCode() error = %v", err)
	}

	restored, err := env.svc.RestoreVersion(ctx, alice, diagramID, firstHash)
	if err != nil {
		t.Fatalf("RestoreVersion() error = %v", err)
	}
	if restored["code"] != "graph TD\n    A" {
		t.Fatalf("restored code = %v", restored["code"])
	}
	if msg := env.history.lastMessage(); msg != "Restore "+firstHash {
		t.Fatalf("restore commit message = %q", msg)
	}
	d, _ := env.store.GetDiagram(ctx, diagramID)
	if d.Code != "graph TD\n    A" {
		t.Fatalf("stored code = %q", d.Code)
	}

	_, err = env.svc.RestoreVersion(ctx, alice, diagramID, "no-such-hash")
	wantStatus(t, err, http.StatusNotFound)
	_, err = env.svc.DiagramAtVersion(ctx, alice, diagramID, "no-such-hash")
	wantStatus(t, err, http.StatusNotFound)
}

func TestEditorSessionLifecycle(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	alice := signUp(t, env.svc, "alice@example.com")
	mallory := signUp(t, env.svc, "mallory@example.com")
	projectID := createProject(t, env.svc, alice, "Infra")
	diagramID := createDiagram(t, env.svc, alice, projectID, "Flow", "graph TD\n    A")

	opened, err := env.svc.OpenEditor(ctx, alice, diagramID)
	if err != nil {
		t.Fatalf("OpenEditor() error = %v", err)
	}
	editorID := opened["editorId"].(string)
	if opened["text"] != "graph TD\n    A" {
		t.Fatalf("initial text = %v", opened["text"])
	}

	// The session belongs to its owner.
	if _, err := env.svc.EditorState(mallory, editorID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("foreign EditorState error = %v, want sql.ErrNoRows", err)
	}
	if err := env.svc.CloseEditor(mallory, editorID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("foreign CloseEditor error = %v, want sql.ErrNoRows", err)
	}

	state, err := env.svc.EditorSetText(alice, editorID, "graph TD\n    A --> B")
	if err != nil {
		t.Fatalf("EditorSetText() error = %v", err)
	}
	if state["text"] != "graph TD\n    A --> B" {
		t.Fatalf("text after edit = %v", state["text"])
	}

	_, err = env.svc.EditorSetText(alice, editorID, strings.Repeat("x", maxCodeLen+1))
	wantStatus(t, err, http.StatusUnprocessableEntity)

	// The edit autosaves into the store and records a history entry.
	deadline := time.Now().Add(5 * time.Second)
	for {
		d, _ := env.store.GetDiagram(ctx, diagramID)
		if d.Code == "graph TD\n    A --> B" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("autosave never persisted, store code = %q", d.Code)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if msg := env.history.lastMessage(); msg != "Autosave" {
		t.Fatalf("autosave commit message = %q", msg)
	}

	if _, err := env.svc.EditorSetRatio(alice, editorID, 0.9); err != nil {
		t.Fatalf("EditorSetRatio() error = %v", err)
	}
	state, err = env.svc.EditorState(alice, editorID)
	if err != nil {
		t.Fatalf("EditorState() error = %v", err)
	}
	split := state["split"].(map[string]any)
	if split["ratio"] != 0.8 {
		t.Fatalf("ratio = %v, want clamp to 0.8", split["ratio"])
	}

	if err := env.svc.CloseEditor(alice, editorID); err != nil {
		t.Fatalf("CloseEditor() error = %v", err)
	}
	if _, err := env.svc.EditorState(alice, editorID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("EditorState after close error = %v, want sql.ErrNoRows", err)
	}
}
