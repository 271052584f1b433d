package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"diagrid/api/internal/assist"
	"diagrid/api/internal/auth"
	"diagrid/api/internal/authpw"
	"diagrid/api/internal/config"
	"diagrid/api/internal/editor"
	"diagrid/api/internal/history"
	"diagrid/api/internal/ledger"
	"diagrid/api/internal/renderer"
	"diagrid/api/internal/search"
	"diagrid/api/internal/session"
	"diagrid/api/internal/store"
	"diagrid/api/internal/util"
)

const (
	maxNameLen = 255
	maxCodeLen = 100000

	defaultDiagramCode = "graph TD\n    A[Start] --> B[End]"

	editorSessionTTL = 30 * time.Minute
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	DisplayName  string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	InsertProject(ctx context.Context, project store.Project) error
	ListProjects(ctx context.Context, ownerID string) ([]store.Project, error)
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	RenameProject(ctx context.Context, projectID, name string) error
	DeleteProject(ctx context.Context, projectID string) error
	InsertDiagram(ctx context.Context, diagram store.Diagram) error
	ListDiagrams(ctx context.Context, projectID string) ([]store.Diagram, error)
	GetDiagram(ctx context.Context, diagramID string) (store.Diagram, error)
	GetPublicDiagram(ctx context.Context, diagramID string) (store.Diagram, error)
	RenameDiagram(ctx context.Context, diagramID, name string) error
	UpdateDiagramCode(ctx context.Context, diagramID, code string) (store.Diagram, error)
	SetDiagramVisibility(ctx context.Context, diagramID string, isPublic bool) error
	DeleteDiagram(ctx context.Context, diagramID string) error
	ListCreditTransactions(ctx context.Context, userID string, limit int) ([]store.CreditTransaction, error)
	Ping(ctx context.Context) error
}

type historyService interface {
	EnsureRepo(diagramID, code, author string) error
	CommitCode(diagramID, code, author, message string) (history.CommitInfo, error)
	History(diagramID string, limit int) ([]history.CommitInfo, error)
	CodeAt(diagramID, hash string) (string, error)
}

type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID, email string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (session.TokenData, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type creditLedger interface {
	Deduct(ctx context.Context, userID string, amount int64, txType, referenceID string, metadata map[string]string) (int64, error)
	Balance(ctx context.Context, userID string) (ledger.Balance, error)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexDiagram(rec search.DiagramRecord)
	DeleteDiagram(id string)
}

type snapshotStore interface {
	PutSVG(ctx context.Context, diagramID, svg string) error
	GetSVG(ctx context.Context, diagramID string) (string, error)
	Delete(ctx context.Context, diagramID string) error
}

type editorSessionRecord struct {
	sess      *editor.Session
	userID    string
	diagramID string
	lastUsed  time.Time
}

type Service struct {
	cfg      config.Config
	store    dataStore
	authpw   *authpw.Service
	refresh  refreshStore
	ledger   creditLedger
	history  historyService
	search   searchIndex
	snapshot snapshotStore
	renderer renderer.Renderer
	fixer    editor.Fixer

	editorMu       sync.Mutex
	editorSessions map[string]*editorSessionRecord
}

// Options carries the collaborators the service is built from. search and
// snapshot may be nil when the backing systems are not configured.
type Options struct {
	Config    config.Config
	Store     dataStore
	AuthPW    *authpw.Service
	Refresh   refreshStore
	Ledger    creditLedger
	History   historyService
	Search    searchIndex
	Snapshot  snapshotStore
	Renderer  renderer.Renderer
	Completer assist.Completer
}

func New(opts Options) *Service {
	s := &Service{
		cfg:            opts.Config,
		store:          opts.Store,
		authpw:         opts.AuthPW,
		refresh:        opts.Refresh,
		ledger:         opts.Ledger,
		history:        opts.History,
		search:         opts.Search,
		snapshot:       opts.Snapshot,
		renderer:       opts.Renderer,
		editorSessions: make(map[string]*editorSessionRecord),
	}
	if opts.Completer != nil && opts.Ledger != nil {
		s.fixer = assist.NewOrchestrator(opts.Completer, opts.Ledger,
			assist.WithTimeout(opts.Config.AssistTimeout))
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close shuts down every open editor session.
func (s *Service) Close() {
	s.editorMu.Lock()
	defer s.editorMu.Unlock()
	for id, rec := range s.editorSessions {
		rec.sess.Close()
		delete(s.editorSessions, id)
	}
}

// --- Accounts and sessions ---

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	// Seed the credit account so the first fix request doesn't pay the
	// lazy-init cost. Failure is logged; the ledger initializes on first
	// use anyway.
	if s.ledger != nil {
		if _, err := s.ledger.Balance(ctx, user.ID); err != nil {
			log.Printf("app: seed credit account for %s: %v", user.ID, err)
		}
	}

	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	data, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, data.UserID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		return s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, user.Email, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		DisplayName:  user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:       token,
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

// --- Projects ---

func (s *Service) CreateProject(ctx context.Context, session Session, name string) (map[string]any, error) {
	name, err := validName(name)
	if err != nil {
		return nil, err
	}
	project := store.Project{
		ID:      util.NewID("prj"),
		OwnerID: session.UserID,
		Name:    name,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return nil, err
	}
	return projectPayload(project), nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]map[string]any, error) {
	projects, err := s.store.ListProjects(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		items = append(items, projectPayload(p))
	}
	return items, nil
}

func (s *Service) RenameProject(ctx context.Context, session Session, projectID, name string) (map[string]any, error) {
	name, err := validName(name)
	if err != nil {
		return nil, err
	}
	project, err := s.ownedProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RenameProject(ctx, project.ID, name); err != nil {
		return nil, err
	}
	project.Name = name
	return projectPayload(project), nil
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	project, err := s.ownedProject(ctx, session, projectID)
	if err != nil {
		return err
	}
	diagrams, err := s.store.ListDiagrams(ctx, project.ID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, project.ID); err != nil {
		return err
	}
	if s.search != nil {
		for _, d := range diagrams {
			s.search.DeleteDiagram(d.ID)
		}
	}
	return nil
}

func (s *Service) ownedProject(ctx context.Context, session Session, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if project.OwnerID != session.UserID {
		return store.Project{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return project, nil
}

// --- Diagrams ---

func (s *Service) CreateDiagram(ctx context.Context, session Session, projectID, name, code string) (map[string]any, error) {
	name, err := validName(name)
	if err != nil {
		return nil, err
	}
	if code == "" {
		code = defaultDiagramCode
	}
	if len(code) > maxCodeLen {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "diagram code exceeds the size limit", nil)
	}
	project, err := s.ownedProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}

	diagram := store.Diagram{
		ID:        util.NewID("dgm"),
		ProjectID: project.ID,
		OwnerID:   session.UserID,
		Name:      name,
		Code:      code,
	}
	if err := s.store.InsertDiagram(ctx, diagram); err != nil {
		return nil, err
	}
	if err := s.history.EnsureRepo(diagram.ID, code, session.DisplayName); err != nil {
		log.Printf("app: init history for %s: %v", diagram.ID, err)
	}
	s.indexDiagram(diagram)
	return diagramPayload(diagram), nil
}

func (s *Service) ListDiagrams(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.ownedProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	diagrams, err := s.store.ListDiagrams(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(diagrams))
	for _, d := range diagrams {
		items = append(items, diagramPayload(d))
	}
	return items, nil
}

func (s *Service) GetDiagram(ctx context.Context, session Session, diagramID string) (map[string]any, error) {
	diagram, err := s.ownedDiagram(ctx, session, diagramID)
	if err != nil {
		return nil, err
	}
	return diagramPayload(diagram), nil
}

func (s *Service) RenameDiagram(ctx context.Context, session Session, diagramID, name string) (map[string]any, error) {
	name, err := validName(name)
	if err != nil {
		return nil, err
	}
	diagram, err := s.ownedDiagram(ctx, session, diagramID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RenameDiagram(ctx, diagram.ID, name); err != nil {
		return nil, err
	}
	diagram.Name = name
	s.indexDiagram(diagram)
	return diagramPayload(diagram), nil
}

func (s *Service) DeleteDiagram(ctx context.Context, session Session, diagramID string) error {
	diagram, err := s.ownedDiagram(ctx, session, diagramID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDiagram(ctx, diagram.ID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteDiagram(diagram.ID)
	}
	if s.snapshot != nil {
		if err := s.snapshot.Delete(ctx, diagram.ID); err != nil {
			log.Printf("app: delete snapshot for %s: %v", diagram.ID, err)
		}
	}
	return nil
}

func (s *Service) ownedDiagram(ctx context.Context, session Session, diagramID string) (store.Diagram, error) {
	diagram, err := s.store.GetDiagram(ctx, diagramID)
	if err != nil {
		return store.Diagram{}, err
	}
	if diagram.OwnerID != session.UserID {
		return store.Diagram{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return diagram, nil
}

func (s *Service) indexDiagram(diagram store.Diagram) {
	if s.search == nil {
		return
	}
	s.search.IndexDiagram(search.DiagramRecord{
		ID:        diagram.ID,
		Name:      diagram.Name,
		Code:      diagram.Code,
		ProjectID: diagram.ProjectID,
		OwnerID:   diagram.OwnerID,
	})
}

// --- Sharing ---

// ShareDiagram makes the diagram publicly viewable and captures an SVG
// snapshot so the share page serves the last good render.
func (s *Service) ShareDiagram(ctx context.Context, session Session, diagramID string) (map[string]any, error) {
	diagram, err := s.ownedDiagram(ctx, session, diagramID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetDiagramVisibility(ctx, diagram.ID, true); err != nil {
		return nil, err
	}
	if s.snapshot != nil && s.renderer != nil {
		if svg, err := s.renderer.Render(ctx, "share-"+diagram.ID, diagram.Code); err == nil {
			if err := s.snapshot.PutSVG(ctx, diagram.ID, svg); err != nil {
				log.Printf("app: store share snapshot for %s: %v", diagram.ID, err)
			}
		} else {
			log.Printf("app: render share snapshot for %s: %v", diagram.ID, err)
		}
	}
	return map[string]any{"id": diagram.ID, "isPublic": true, "shareUrl": "/share/" + diagram.ID}, nil
}

func (s *Service) UnshareDiagram(ctx context.Context, session Session, diagramID string) error {
	diagram, err := s.ownedDiagram(ctx, session, diagramID)
	if err != nil {
		return err
	}
	if err := s.store.SetDiagramVisibility(ctx, diagram.ID, false); err != nil {
		return err
	}
	if s.snapshot != nil {
		if err := s.snapshot.Delete(ctx, diagram.ID); err != nil {
			log.Printf("app: delete snapshot for %s: %v", diagram.ID, err)
		}
	}
	return nil
}

// PublicDiagram serves a shared diagram without authentication. Diagrams
// that were never shared, or were unshared, read as not found.
func (s *Service) PublicDiagram(ctx context.Context, diagramID string) (map[string]any, error) {
	diagram, err := s.store.GetPublicDiagram(ctx, diagramID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"id":   diagram.ID,
		"name": diagram.Name,
		"code": diagram.Code,
	}
	if s.snapshot != nil {
		if svg, err := s.snapshot.GetSVG(ctx, diagram.ID); err == nil {
			payload["svg"] = svg
		}
	}
	return payload, nil
}

// --- History ---

func (s *Service) DiagramHistory(ctx context.Context, session Session, diagramID string, limit int) ([]history.CommitInfo, error) {
	diagram, err := s.ownedDiagram(ctx, session, diagramID)
	if err != nil {
		return nil, err
	}
	return s.history.History(diagram.ID, limit)
}

func (s *Service) DiagramAtVersion(ctx context.Context, session Session, diagramID, hash string) (map[string]any, error) {
	diagram, err := s.ownedDiagram(ctx, session, diagramID)
	if err != nil {
		return nil, err
	}
	code, err := s.history.CodeAt(diagram.ID, hash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Version not found", nil)
	}
	return map[string]any{"id": diagram.ID, "hash": hash, "code": code}, nil
}

// RestoreVersion replaces the current code with a historical version. The
// restore itself becomes a new history entry; nothing is rewritten.
func (s *Service) RestoreVersion(ctx context.Context, session Session, diagramID, hash string) (map[string]any, error) {
	diagram, err := s.ownedDiagram(ctx, session, diagramID)
	if err != nil {
		return nil, err
	}
	code, err := s.history.CodeAt(diagram.ID, hash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Version not found", nil)
	}
	updated, err := s.store.UpdateDiagramCode(ctx, diagram.ID, code)
	if err != nil {
		return nil, err
	}
	if _, err := s.history.CommitCode(diagram.ID, code, session.DisplayName, "Restore "+hash); err != nil {
		log.Printf("app: record restore for %s: %v", diagram.ID, err)
	}
	s.indexDiagram(updated)
	return diagramPayload(updated), nil
}

// --- Credits ---

func (s *Service) CreditBalance(ctx context.Context, session Session) (map[string]any, error) {
	if s.ledger == nil {
		return nil, domainError(http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "Credit ledger not configured", nil)
	}
	balance, err := s.ledger.Balance(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"balance":      balance.Balance,
		"lifetimeUsed": balance.LifetimeUsed,
	}, nil
}

func (s *Service) CreditHistory(ctx context.Context, session Session, limit int) ([]map[string]any, error) {
	transactions, err := s.store.ListCreditTransactions(ctx, session.UserID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(transactions))
	for _, tx := range transactions {
		items = append(items, map[string]any{
			"id":               tx.ID,
			"amount":           tx.Amount,
			"type":             tx.Type,
			"referenceId":      tx.ReferenceID,
			"metadata":         tx.Metadata,
			"resultingBalance": tx.ResultingBalance,
			"createdAt":        tx.CreatedAt,
		})
	}
	return items, nil
}

// --- Search ---

func (s *Service) Search(ctx context.Context, session Session, text, projectID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:            text,
		OwnerID:         session.UserID,
		FilterProjectID: projectID,
		Limit:           limit,
		Offset:          offset,
	}), nil
}

// --- Editor sessions ---

// diagramSaver adapts persistence for the autosave coordinator: the store
// row is the source of truth, with a history commit and a search index
// update riding along on each successful save.
type diagramSaver struct {
	svc    *Service
	author string
}

func (d *diagramSaver) SaveCode(ctx context.Context, diagramID, code string) error {
	diagram, err := d.svc.store.UpdateDiagramCode(ctx, diagramID, code)
	if err != nil {
		return err
	}
	if _, err := d.svc.history.CommitCode(diagramID, code, d.author, "Autosave"); err != nil {
		log.Printf("app: history commit for %s: %v", diagramID, err)
	}
	d.svc.indexDiagram(diagram)
	return nil
}

// OpenEditor starts a server-side editing session for a diagram the caller
// owns and returns its initial state.
func (s *Service) OpenEditor(ctx context.Context, session Session, diagramID string) (map[string]any, error) {
	diagram, err := s.ownedDiagram(ctx, session, diagramID)
	if err != nil {
		return nil, err
	}

	sess := editor.NewSession(context.Background(), editor.SessionConfig{
		Renderer:  s.renderer,
		Saver:     &diagramSaver{svc: s, author: session.DisplayName},
		Fixer:     s.fixer,
		UserID:    session.UserID,
		DiagramID: diagram.ID,
		Text:      diagram.Code,
	})

	id := util.NewID("eds")
	s.editorMu.Lock()
	s.pruneEditorSessionsLocked()
	s.editorSessions[id] = &editorSessionRecord{
		sess:      sess,
		userID:    session.UserID,
		diagramID: diagram.ID,
		lastUsed:  time.Now(),
	}
	s.editorMu.Unlock()

	payload := s.editorStatePayload(id, sess)
	payload["diagram"] = diagramPayload(diagram)
	return payload, nil
}

func (s *Service) CloseEditor(session Session, editorID string) error {
	s.editorMu.Lock()
	defer s.editorMu.Unlock()
	rec, ok := s.editorSessions[editorID]
	if !ok || rec.userID != session.UserID {
		return sql.ErrNoRows
	}
	rec.sess.Close()
	delete(s.editorSessions, editorID)
	return nil
}

func (s *Service) EditorSetText(session Session, editorID, text string) (map[string]any, error) {
	if len(text) > maxCodeLen {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "diagram code exceeds the size limit", nil)
	}
	rec, err := s.editorSession(session, editorID)
	if err != nil {
		return nil, err
	}
	rec.sess.SetText(text)
	return s.editorStatePayload(editorID, rec.sess), nil
}

func (s *Service) EditorState(session Session, editorID string) (map[string]any, error) {
	rec, err := s.editorSession(session, editorID)
	if err != nil {
		return nil, err
	}
	return s.editorStatePayload(editorID, rec.sess), nil
}

func (s *Service) EditorSetRatio(session Session, editorID string, ratio float64) (map[string]any, error) {
	rec, err := s.editorSession(session, editorID)
	if err != nil {
		return nil, err
	}
	rec.sess.Split().SetRatio(ratio)
	return s.editorStatePayload(editorID, rec.sess), nil
}

func (s *Service) EditorRequestFix(ctx context.Context, session Session, editorID string) (map[string]any, error) {
	rec, err := s.editorSession(session, editorID)
	if err != nil {
		return nil, err
	}
	proposal, err := rec.sess.RequestFix(ctx)
	if err != nil {
		return nil, err
	}
	payload := s.editorStatePayload(editorID, rec.sess)
	payload["proposal"] = proposalPayload(proposal)
	return payload, nil
}

func (s *Service) EditorAcceptFix(session Session, editorID string) (map[string]any, error) {
	rec, err := s.editorSession(session, editorID)
	if err != nil {
		return nil, err
	}
	if _, err := rec.sess.AcceptFix(); err != nil {
		return nil, err
	}
	return s.editorStatePayload(editorID, rec.sess), nil
}

func (s *Service) EditorRejectFix(session Session, editorID string) (map[string]any, error) {
	rec, err := s.editorSession(session, editorID)
	if err != nil {
		return nil, err
	}
	if err := rec.sess.RejectFix(); err != nil {
		return nil, err
	}
	return s.editorStatePayload(editorID, rec.sess), nil
}

func (s *Service) editorSession(session Session, editorID string) (*editorSessionRecord, error) {
	s.editorMu.Lock()
	defer s.editorMu.Unlock()
	rec, ok := s.editorSessions[editorID]
	if !ok || rec.userID != session.UserID {
		return nil, sql.ErrNoRows
	}
	rec.lastUsed = time.Now()
	return rec, nil
}

func (s *Service) pruneEditorSessionsLocked() {
	cutoff := time.Now().Add(-editorSessionTTL)
	for id, rec := range s.editorSessions {
		if rec.lastUsed.Before(cutoff) {
			rec.sess.Close()
			delete(s.editorSessions, id)
		}
	}
}

func (s *Service) editorStatePayload(editorID string, sess *editor.Session) map[string]any {
	render := sess.RenderState()
	save := sess.SaveState()

	var proposal any
	if p, ok := sess.Split().Proposal(); ok {
		proposal = proposalPayload(p)
	}

	var lastSavedAt any
	if !save.LastSavedAt.IsZero() {
		lastSavedAt = save.LastSavedAt
	}

	return map[string]any{
		"editorId": editorID,
		"text":     sess.Text(),
		"render": map[string]any{
			"svg":       render.Markup,
			"error":     render.ErrorMessage,
			"hasError":  render.HasError,
			"rendering": render.IsRendering,
		},
		"save": map[string]any{
			"dirty":       save.Dirty,
			"saving":      save.Saving,
			"lastSavedAt": lastSavedAt,
			"error":       save.LastError,
		},
		"split": map[string]any{
			"ratio":    sess.Split().Ratio(),
			"proposal": proposal,
		},
	}
}

func proposalPayload(p editor.FixProposal) map[string]any {
	return map[string]any{
		"originalText":   p.OriginalText,
		"proposedText":   p.ProposedText,
		"rationale":      p.Rationale,
		"quotaRemaining": p.QuotaRemaining,
	}
}

func projectPayload(p store.Project) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"name":      p.Name,
		"ownerId":   p.OwnerID,
		"createdAt": p.CreatedAt,
		"updatedAt": p.UpdatedAt,
	}
}

func diagramPayload(d store.Diagram) map[string]any {
	return map[string]any{
		"id":        d.ID,
		"projectId": d.ProjectID,
		"ownerId":   d.OwnerID,
		"name":      d.Name,
		"code":      d.Code,
		"isPublic":  d.IsPublic,
		"createdAt": d.CreatedAt,
		"updatedAt": d.UpdatedAt,
	}
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if len(name) > maxNameLen {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("name must be at most %d characters", maxNameLen), nil)
	}
	return name, nil
}
