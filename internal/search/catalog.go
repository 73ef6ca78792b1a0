package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	catalogFileName   = "services.json"
	containerDataPath = "/app/services.json"
)

// Service is one bookable entry of the clinic catalog as stored on disk.
type Service struct {
	UUID     string   `json:"uuid"`
	Name     string   `json:"name"`
	Code     string   `json:"code"`
	Synonyms []string `json:"synonyms,omitempty"`
}

type catalogFile struct {
	Services []Service `json:"services"`
}

// Catalog is an immutable, pre-indexed snapshot of the service catalog.
// All methods are safe for concurrent use.
type Catalog struct {
	services  []Service
	names     []string              // lowercased service names
	texts     []string              // lowercased "name code synonyms..." per service
	tokenSets []map[string]struct{} // token set of each search string
}

// NewCatalog builds a searchable catalog from the given services. The search
// string of each service joins its name, code, and synonyms, lowercased and
// whitespace-collapsed.
func NewCatalog(services []Service) *Catalog {
	c := &Catalog{
		services:  make([]Service, len(services)),
		names:     make([]string, len(services)),
		texts:     make([]string, len(services)),
		tokenSets: make([]map[string]struct{}, len(services)),
	}
	copy(c.services, services)
	for i, s := range services {
		parts := make([]string, 0, 2+len(s.Synonyms))
		parts = append(parts, s.Name, s.Code)
		parts = append(parts, s.Synonyms...)

		fields := strings.Fields(strings.ToLower(strings.Join(parts, " ")))
		c.texts[i] = strings.Join(fields, " ")
		c.names[i] = strings.ToLower(strings.TrimSpace(s.Name))

		tokens := make(map[string]struct{}, len(fields))
		for _, f := range fields {
			tokens[f] = struct{}{}
		}
		c.tokenSets[i] = tokens
	}
	return c
}

// LoadCatalog reads and indexes the catalog JSON file at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("search: read catalog: %w", err)
	}
	return parseCatalog(data)
}

func parseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("search: parse catalog: %w", err)
	}
	for i, s := range file.Services {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("search: parse catalog: service %d: name is required", i)
		}
	}
	return NewCatalog(file.Services), nil
}

// Services returns the catalog entries in their original order.
func (c *Catalog) Services() []Service {
	return c.services
}

// Len returns the number of services in the catalog.
func (c *Catalog) Len() int {
	return len(c.services)
}

// ResolvePath locates the service catalog file on disk. The override
// (usually DATA_FILE_PATH or the config file value) is tried first when set;
// after that the working directory, the enclosing module root, and the
// container data mount are tried in order. The first existing regular file
// wins.
func ResolvePath(override string) (string, error) {
	var candidates []string
	if override != "" {
		candidates = append(candidates, override)
	}
	candidates = append(candidates, catalogFileName)
	if root, err := moduleRoot(); err == nil {
		candidates = append(candidates, filepath.Join(root, catalogFileName))
	}
	candidates = append(candidates, containerDataPath)

	for _, p := range candidates {
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("search: catalog file not found (tried %s)", strings.Join(candidates, ", "))
}

// moduleRoot walks up from the working directory until it finds a go.mod.
func moduleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil && !info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("search: no go.mod found above working directory")
		}
		dir = parent
	}
}
