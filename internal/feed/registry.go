// Package feed loads the watched-organization registry and pulls candidate
// links out of their RSS and Atom feeds.
package feed

import (
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Organization is one watched asset manager and the feeds that mention it.
type Organization struct {
	Label string   `yaml:"label"`
	Feeds []string `yaml:"feeds"`
	// Exclusive marks managers of exclusive funds; the alert says so.
	Exclusive bool `yaml:"exclusive"`
	// SubjectHint tells the target classifier how the organization shows up
	// in text, e.g. which brands or subsidiaries count as the same subject.
	SubjectHint string `yaml:"subject_hint,omitempty"`
}

// Source is a single feed URL tagged with its organization.
type Source struct {
	Label string
	URL   string
}

// Registry is the explicit feed configuration handed to the collector.
type Registry struct {
	Organizations []Organization `yaml:"organizations"`

	byLabel map[string]*Organization
}

// LoadRegistry reads and validates a registry YAML file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "feed: read registry %s", path)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes and validates registry YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, eris.Wrap(err, "feed: parse registry")
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// NewRegistry builds a registry from organizations, mainly for tests.
func NewRegistry(orgs ...Organization) (*Registry, error) {
	reg := &Registry{Organizations: orgs}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Validate checks labels are present and unique and every feed is an
// absolute http(s) URL. It also builds the label index.
func (r *Registry) Validate() error {
	if len(r.Organizations) == 0 {
		return eris.New("feed: registry has no organizations")
	}
	r.byLabel = make(map[string]*Organization, len(r.Organizations))
	for i := range r.Organizations {
		org := &r.Organizations[i]
		org.Label = strings.TrimSpace(org.Label)
		if org.Label == "" {
			return eris.Errorf("feed: organization #%d has no label", i+1)
		}
		if _, dup := r.byLabel[org.Label]; dup {
			return eris.Errorf("feed: duplicate organization %q", org.Label)
		}
		if len(org.Feeds) == 0 {
			return eris.Errorf("feed: organization %q has no feeds", org.Label)
		}
		for _, raw := range org.Feeds {
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return eris.Errorf("feed: organization %q has invalid feed url %q", org.Label, raw)
			}
		}
		r.byLabel[org.Label] = org
	}
	return nil
}

// Lookup returns the organization with the given label.
func (r *Registry) Lookup(label string) (Organization, bool) {
	org, ok := r.byLabel[label]
	if !ok {
		return Organization{}, false
	}
	return *org, true
}

// Sources flattens the registry into feed sources in declaration order.
func (r *Registry) Sources() []Source {
	var out []Source
	for _, org := range r.Organizations {
		for _, u := range org.Feeds {
			out = append(out, Source{Label: org.Label, URL: u})
		}
	}
	return out
}
