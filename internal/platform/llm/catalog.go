package llm

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
)

//go:embed models.yaml
var embeddedModels []byte

type ModelSpec struct {
	ID                 domainchat.ModelID `yaml:"id" json:"value"`
	Name               string             `yaml:"name" json:"name"`
	Provider           string             `yaml:"provider" json:"-"`
	ProviderModel      string             `yaml:"provider_model" json:"-"`
	Instructions       string             `yaml:"instructions" json:"-"`
	MatrixInstructions string             `yaml:"matrix_instructions" json:"-"`
}

// EngineModel is the name the engine resolves, "<provider>/<provider_model>".
func (m ModelSpec) EngineModel() string {
	return m.Provider + "/" + m.ProviderModel
}

// SystemInstructions picks the instruction variant for the reader's display mode.
func (m ModelSpec) SystemInstructions(insideMatrix bool) string {
	if insideMatrix && strings.TrimSpace(m.MatrixInstructions) != "" {
		return m.MatrixInstructions
	}
	return m.Instructions
}

type Catalog struct {
	models []ModelSpec
	byID   map[domainchat.ModelID]ModelSpec
}

type catalogFile struct {
	Models []ModelSpec `yaml:"models"`
}

// LoadCatalog reads the catalog from path, or the embedded default when path is empty.
// Every entry must name one of the known model ids.
func LoadCatalog(path string) (*Catalog, error) {
	raw := embeddedModels
	if p := strings.TrimSpace(path); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read model catalog: %w", err)
		}
		raw = b
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	c := &Catalog{byID: map[domainchat.ModelID]ModelSpec{}}
	for _, m := range f.Models {
		id, err := domainchat.ParseModelID(string(m.ID))
		if err != nil {
			return nil, fmt.Errorf("model catalog: %w", err)
		}
		if m.Provider == "" || m.ProviderModel == "" {
			return nil, fmt.Errorf("model catalog: %s is missing provider binding", id)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("model catalog: duplicate model %s", id)
		}
		m.ID = id
		c.byID[id] = m
		c.models = append(c.models, m)
	}
	for _, id := range domainchat.Models() {
		if _, ok := c.byID[id]; !ok {
			return nil, fmt.Errorf("model catalog: missing model %s", id)
		}
	}
	return c, nil
}

func (c *Catalog) Lookup(id domainchat.ModelID) (ModelSpec, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// List returns the models in catalog order.
func (c *Catalog) List() []ModelSpec {
	out := make([]ModelSpec, len(c.models))
	copy(out, c.models)
	return out
}
