package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by id: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, name)
		VALUES ($1, $2, $3)
	`, project.ID, project.OwnerID, project.Name)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, ownerID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, created_at, updated_at
		FROM projects WHERE owner_id = $1
		ORDER BY updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var items []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, created_at, updated_at
		FROM projects WHERE id = $1
	`, projectID).Scan(&p.ID, &p.OwnerID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) RenameProject(ctx context.Context, projectID, name string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name = $2, updated_at = NOW() WHERE id = $1
	`, projectID, name)
	if err != nil {
		return fmt.Errorf("rename project: %w", err)
	}
	return checkAffected(result)
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return checkAffected(result)
}

func (s *PostgresStore) InsertDiagram(ctx context.Context, diagram Diagram) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO diagrams (id, project_id, owner_id, name, code, is_public)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, diagram.ID, diagram.ProjectID, diagram.OwnerID, diagram.Name, diagram.Code, diagram.IsPublic)
	if err != nil {
		return fmt.Errorf("insert diagram: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDiagrams(ctx context.Context, projectID string) ([]Diagram, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, owner_id, name, code, is_public, created_at, updated_at
		FROM diagrams WHERE project_id = $1
		ORDER BY updated_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list diagrams: %w", err)
	}
	defer rows.Close()

	var items []Diagram
	for rows.Next() {
		var d Diagram
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.OwnerID, &d.Name, &d.Code, &d.IsPublic, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan diagram: %w", err)
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetDiagram(ctx context.Context, diagramID string) (Diagram, error) {
	var d Diagram
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, owner_id, name, code, is_public, created_at, updated_at
		FROM diagrams WHERE id = $1
	`, diagramID).Scan(&d.ID, &d.ProjectID, &d.OwnerID, &d.Name, &d.Code, &d.IsPublic, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Diagram{}, ErrNotFound
	}
	if err != nil {
		return Diagram{}, fmt.Errorf("get diagram: %w", err)
	}
	return d, nil
}

// GetPublicDiagram returns a diagram only when it is shared publicly.
// Private and missing diagrams are indistinguishable to the caller.
func (s *PostgresStore) GetPublicDiagram(ctx context.Context, diagramID string) (Diagram, error) {
	var d Diagram
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, owner_id, name, code, is_public, created_at, updated_at
		FROM diagrams WHERE id = $1 AND is_public = TRUE
	`, diagramID).Scan(&d.ID, &d.ProjectID, &d.OwnerID, &d.Name, &d.Code, &d.IsPublic, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Diagram{}, ErrNotFound
	}
	if err != nil {
		return Diagram{}, fmt.Errorf("get public diagram: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) RenameDiagram(ctx context.Context, diagramID, name string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE diagrams SET name = $2, updated_at = NOW() WHERE id = $1
	`, diagramID, name)
	if err != nil {
		return fmt.Errorf("rename diagram: %w", err)
	}
	return checkAffected(result)
}

// UpdateDiagramCode is the persistence collaborator for autosave. It returns
// the stored row so callers can observe the persisted value.
func (s *PostgresStore) UpdateDiagramCode(ctx context.Context, diagramID, code string) (Diagram, error) {
	var d Diagram
	err := s.db.QueryRowContext(ctx, `
		UPDATE diagrams SET code = $2, updated_at = NOW() WHERE id = $1
		RETURNING id, project_id, owner_id, name, code, is_public, created_at, updated_at
	`, diagramID, code).Scan(&d.ID, &d.ProjectID, &d.OwnerID, &d.Name, &d.Code, &d.IsPublic, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Diagram{}, ErrNotFound
	}
	if err != nil {
		return Diagram{}, fmt.Errorf("update diagram code: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) SetDiagramVisibility(ctx context.Context, diagramID string, isPublic bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE diagrams SET is_public = $2, updated_at = NOW() WHERE id = $1
	`, diagramID, isPublic)
	if err != nil {
		return fmt.Errorf("set diagram visibility: %w", err)
	}
	return checkAffected(result)
}

func (s *PostgresStore) DeleteDiagram(ctx context.Context, diagramID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM diagrams WHERE id = $1`, diagramID)
	if err != nil {
		return fmt.Errorf("delete diagram: %w", err)
	}
	return checkAffected(result)
}

func (s *PostgresStore) InsertCreditTransaction(ctx context.Context, tx CreditTransaction) error {
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("marshal transaction metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, type, reference_id, metadata, resulting_balance)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`, tx.ID, tx.UserID, tx.Amount, tx.Type, tx.ReferenceID, metadata, tx.ResultingBalance)
	if err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, type, COALESCE(reference_id, ''), metadata, resulting_balance, created_at
		FROM credit_transactions WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var items []CreditTransaction
	for rows.Next() {
		var tx CreditTransaction
		var metadata []byte
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Type, &tx.ReferenceID, &metadata, &tx.ResultingBalance, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &tx.Metadata)
		}
		items = append(items, tx)
	}
	return items, rows.Err()
}

func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
