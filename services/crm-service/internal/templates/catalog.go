package templates

import (
	"fmt"
	"os"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Templates []catalogEntry `yaml:"templates"`
}

type catalogEntry struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Subject string `yaml:"subject"`
	HTML    string `yaml:"html"`
	Text    string `yaml:"text"`
	Active  *bool  `yaml:"active"`
}

// ParseCatalog decodes a YAML template catalog. Entries are active unless marked otherwise;
// later entries get later creation times so they win type resolution.
func ParseCatalog(data []byte, now time.Time) ([]model.Template, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode template catalog: %w", err)
	}
	out := make([]model.Template, 0, len(f.Templates))
	for i, e := range f.Templates {
		typ := model.TemplateType(e.Type)
		if !knownType(typ) {
			return nil, fmt.Errorf("template %d (%s): unknown type %q", i, e.Name, e.Type)
		}
		if e.Subject == "" {
			return nil, fmt.Errorf("template %d (%s): subject is required", i, e.Name)
		}
		id := e.ID
		if id == "" {
			id = model.NewID()
		}
		active := true
		if e.Active != nil {
			active = *e.Active
		}
		created := now.Add(time.Duration(i) * time.Second)
		out = append(out, model.Template{
			ID:        id,
			Name:      e.Name,
			Type:      typ,
			Subject:   e.Subject,
			HTML:      e.HTML,
			Text:      e.Text,
			Active:    active,
			CreatedAt: created,
			UpdatedAt: created,
		})
	}
	return out, nil
}

func LoadCatalogFile(path string, now time.Time) ([]model.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data, now)
}

func knownType(t model.TemplateType) bool {
	switch t {
	case model.TemplateReminder, model.TemplateConfirmation, model.TemplateFollowup,
		model.TemplateMarketing, model.TemplateNewsletter, model.TemplateBirthday,
		model.TemplateWelcome, model.TemplatePackageExpiry, model.TemplateReferral,
		model.TemplateCustom:
		return true
	}
	return false
}
