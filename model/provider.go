package model

import (
	"encoding/json"
	"strings"

	"github.com/Laisky/errors/v2"
)

// Provider types. The type tag selects the adaptor that speaks the
// upstream dialect.
const (
	ProviderTypeOpenAI    = "openai"
	ProviderTypeAnthropic = "anthropic"
	ProviderTypeGoogle    = "google"
	ProviderTypeKiro      = "kiro"
	ProviderTypeGLM       = "glm"
)

type Provider struct {
	Id      int    `json:"id"`
	Type    string `json:"type" gorm:"type:varchar(32);index"`
	Name    string `json:"name" gorm:"index"`
	// Enabled has no column default: gorm skips zero values for
	// defaulted columns on insert, which would store a disabled row as
	// enabled.
	Enabled bool `json:"enabled" gorm:"index"`
	// Group partitions providers for token scoping; empty is the default
	// group.
	Group string `json:"group" gorm:"index;default:''"`
	// Priority orders candidate providers, higher first.
	Priority int `json:"priority" gorm:"default:0"`
	// Weight biases the shuffle inside one priority tier; min 1.
	Weight int `json:"weight" gorm:"default:1"`
	// Models is the comma-separated set of canonical models served.
	Models string `json:"models" gorm:"type:text"`
	// BaseURL overrides the adaptor's default endpoint when set.
	BaseURL string `json:"base_url" gorm:"column:base_url;default:''"`
	// HeaderOverrides is an optional JSON object of extra request headers.
	HeaderOverrides string `json:"header_overrides" gorm:"type:text"`
	CreatedAt       int64  `json:"created_at" gorm:"bigint;autoCreateTime:milli"`
	UpdatedAt       int64  `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`
}

// GetModels returns the supported-model set as a slice.
func (p *Provider) GetModels() []string {
	parts := strings.Split(p.Models, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ServesModel reports whether the canonical model is in the provider's
// supported set.
func (p *Provider) ServesModel(modelName string) bool {
	for _, m := range p.GetModels() {
		if m == modelName {
			return true
		}
	}
	return false
}

// GetHeaderOverrides decodes the extra-header JSON object; nil when unset.
func (p *Provider) GetHeaderOverrides() (map[string]string, error) {
	if p.HeaderOverrides == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(p.HeaderOverrides), &out); err != nil {
		return nil, errors.Wrapf(err, "decode header overrides of provider %d", p.Id)
	}
	return out, nil
}

func GetProviderById(id int) (*Provider, error) {
	var provider Provider
	if err := DB.First(&provider, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get provider %d", id)
	}
	return &provider, nil
}

func GetAllProviders() ([]*Provider, error) {
	var providers []*Provider
	err := DB.Order("priority desc, id asc").Find(&providers).Error
	return providers, errors.Wrap(err, "list providers")
}

func (p *Provider) Insert() error {
	if p.Weight < 1 {
		p.Weight = 1
	}
	return errors.Wrap(DB.Create(p).Error, "insert provider")
}

func (p *Provider) Update() error {
	if p.Weight < 1 {
		p.Weight = 1
	}
	return errors.Wrapf(DB.Model(p).Select("type", "name", "enabled", "group", "priority",
		"weight", "models", "base_url", "header_overrides").Updates(p).Error,
		"update provider %d", p.Id)
}

// Delete removes the provider and cascades to its accounts.
func (p *Provider) Delete() error {
	if p.Id == 0 {
		return errors.New("id is empty")
	}
	if err := DB.Where("provider_id = ?", p.Id).Delete(&Account{}).Error; err != nil {
		return errors.Wrapf(err, "delete accounts of provider %d", p.Id)
	}
	return errors.Wrapf(DB.Delete(p).Error, "delete provider %d", p.Id)
}
