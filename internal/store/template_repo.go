package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/repairtrack/engine/internal/domain"
)

// TemplateRepo handles persistence for problem templates.
type TemplateRepo struct{}

// Upsert inserts or replaces a template.
func (r *TemplateRepo) Upsert(ctx context.Context, db *sql.DB, t domain.ProblemTemplate) error {
	if t.ID == "" {
		return fmt.Errorf("upsert template: missing id")
	}
	items, err := json.Marshal(t.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	const q = `INSERT INTO problem_templates (template_id, name, description, category, items_json)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(template_id) DO UPDATE SET
	name = excluded.name,
	description = excluded.description,
	category = excluded.category,
	items_json = excluded.items_json`
	_, err = db.ExecContext(ctx, q, t.ID, t.Name, t.Description, t.Category, string(items))
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// Get retrieves a template by ID.
func (r *TemplateRepo) Get(ctx context.Context, db *sql.DB, templateID string) (*domain.ProblemTemplate, error) {
	const q = `SELECT template_id, name, description, category, items_json
FROM problem_templates WHERE template_id = ?`

	var t domain.ProblemTemplate
	var items string
	err := db.QueryRowContext(ctx, q, templateID).Scan(&t.ID, &t.Name, &t.Description, &t.Category, &items)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.Detail(domain.ErrTemplateNotFound, "%s", templateID)
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &t.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	return &t, nil
}

// List returns all templates ordered by category then name.
func (r *TemplateRepo) List(ctx context.Context, db *sql.DB) ([]domain.ProblemTemplate, error) {
	const q = `SELECT template_id, name, description, category, items_json
FROM problem_templates ORDER BY category ASC, name ASC`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []domain.ProblemTemplate
	for rows.Next() {
		var t domain.ProblemTemplate
		var items string
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.Category, &items); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		if err := json.Unmarshal([]byte(items), &t.Items); err != nil {
			return nil, fmt.Errorf("unmarshal items for %s: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// templateFile is the on-disk layout of a template seed file.
type templateFile struct {
	Templates []domain.ProblemTemplate `yaml:"templates"`
}

// LoadTemplatesFile reads problem templates from a YAML seed file.
func LoadTemplatesFile(path string) ([]domain.ProblemTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	for i, t := range f.Templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template %d has no id", i)
		}
		if len(t.Items) == 0 {
			return nil, domain.Detail(domain.ErrEmptyTemplate, "%s", t.ID)
		}
		for j, it := range t.Items {
			if strings.TrimSpace(it.Title) == "" {
				return nil, fmt.Errorf("template %s item %d has no title", t.ID, j)
			}
		}
	}
	return f.Templates, nil
}

// Seed upserts every template from a YAML seed file and returns how many were written.
func (r *TemplateRepo) Seed(ctx context.Context, db *sql.DB, path string) (int, error) {
	templates, err := LoadTemplatesFile(path)
	if err != nil {
		return 0, err
	}
	for _, t := range templates {
		if err := r.Upsert(ctx, db, t); err != nil {
			return 0, err
		}
	}
	return len(templates), nil
}
