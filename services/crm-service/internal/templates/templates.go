// Package templates resolves and renders email templates.
package templates

import (
	"context"
	"errors"
	"fmt"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
)

var ErrTemplateNotFound = errors.New("template not found")

type Repository interface {
	GetTemplate(ctx context.Context, id string) (model.Template, error)
	ListActiveTemplates(ctx context.Context, typ model.TemplateType) ([]model.Template, error)
}

// Resolver picks the template used for a template type.
type Resolver interface {
	Resolve(ctx context.Context, typ model.TemplateType) (model.Template, error)
}

// LatestActive resolves to the most recently created active template of a type.
type LatestActive struct {
	Repo Repository
}

func (r LatestActive) Resolve(ctx context.Context, typ model.TemplateType) (model.Template, error) {
	list, err := r.Repo.ListActiveTemplates(ctx, typ)
	if err != nil {
		return model.Template{}, fmt.Errorf("list %s templates: %w", typ, err)
	}
	var best *model.Template
	for i := range list {
		t := &list[i]
		if !t.Active {
			continue
		}
		if best == nil || t.CreatedAt.After(best.CreatedAt) {
			best = t
		}
	}
	if best == nil {
		return model.Template{}, fmt.Errorf("%w: no active %s template", ErrTemplateNotFound, typ)
	}
	return *best, nil
}

type Service struct {
	repo     Repository
	resolver Resolver
}

func NewService(repo Repository, resolver Resolver) *Service {
	if resolver == nil {
		resolver = LatestActive{Repo: repo}
	}
	return &Service{repo: repo, resolver: resolver}
}

// RenderType renders the resolved template for typ.
func (s *Service) RenderType(ctx context.Context, typ model.TemplateType, vars map[string]string) (model.Template, Rendered, error) {
	t, err := s.resolver.Resolve(ctx, typ)
	if err != nil {
		return model.Template{}, Rendered{}, err
	}
	return t, Render(t, vars), nil
}

// RenderTemplate renders a specific template. Missing or inactive templates yield ErrTemplateNotFound.
func (s *Service) RenderTemplate(ctx context.Context, id string, vars map[string]string) (model.Template, Rendered, error) {
	t, err := s.repo.GetTemplate(ctx, id)
	if errors.Is(err, model.ErrNotFound) || (err == nil && !t.Active) {
		return model.Template{}, Rendered{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	if err != nil {
		return model.Template{}, Rendered{}, fmt.Errorf("load template %s: %w", id, err)
	}
	return t, Render(t, vars), nil
}

func Render(t model.Template, vars map[string]string) Rendered {
	return Rendered{
		Subject: Expand(t.Subject, vars),
		HTML:    ExpandHTML(t.HTML, vars),
		Text:    Expand(t.Text, vars),
	}
}
