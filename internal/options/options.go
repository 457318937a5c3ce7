// ABOUTME: Extension options record and its migration chain
// ABOUTME: Builds the versioned store every context reads configuration from

package options

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/2389/coven-relay/internal/storage"
	"github.com/2389/coven-relay/internal/versioned"
)

// Key is the storage key of the options record.
const Key = "extension_options"

// Options is the latest shape of the extension options.
type Options struct {
	Theme          string   `json:"theme"`
	Language       string   `json:"language"`
	ActiveProvider string   `json:"activeProvider"`
	Providers      []string `json:"providers"`
}

// Default returns the options a fresh install starts with.
func Default() Options {
	return Options{
		Theme:     "light",
		Language:  "en",
		Providers: []string{},
	}
}

// HasProvider reports whether name is an enabled provider.
func (o Options) HasProvider(name string) bool {
	return lo.Contains(o.Providers, name)
}

// Migrations returns the options migration chain.
//
//	v1: theme defaults to "light"
//	v2: "lang" is renamed to "language"
//	v3: the providers map becomes a sorted list of enabled providers
func Migrations() []versioned.Migration {
	return []versioned.Migration{
		{Version: 1, Upgrade: defaultTheme},
		{Version: 2, Upgrade: renameLang},
		{Version: 3, Upgrade: providerList},
	}
}

// NewStore creates the options store in area with the migration chain registered.
func NewStore(area storage.Area, opts ...versioned.Option) *versioned.Store[Options] {
	s := versioned.New(area, Key, Default(), opts...)
	for _, m := range Migrations() {
		s.MustVersion(m.Version, m.Upgrade)
	}
	return s
}

func asObject(prev any) (map[string]any, error) {
	if prev == nil {
		return map[string]any{}, nil
	}
	m, ok := prev.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("options data is %T, not an object", prev)
	}
	return m, nil
}

func defaultTheme(prev any, _ versioned.UpgradeContext) (any, error) {
	m, err := asObject(prev)
	if err != nil {
		return nil, err
	}
	if theme, ok := m["theme"].(string); !ok || theme == "" {
		m["theme"] = "light"
	}
	return m, nil
}

func renameLang(prev any, _ versioned.UpgradeContext) (any, error) {
	m, err := asObject(prev)
	if err != nil {
		return nil, err
	}
	if lang, ok := m["lang"]; ok {
		if _, exists := m["language"]; !exists {
			m["language"] = lang
		}
		delete(m, "lang")
	}
	if _, ok := m["language"]; !ok {
		m["language"] = "en"
	}
	return m, nil
}

// providerList keeps providers whose entry is true or an object without
// "enabled": false.
func providerList(prev any, _ versioned.UpgradeContext) (any, error) {
	m, err := asObject(prev)
	if err != nil {
		return nil, err
	}
	switch providers := m["providers"].(type) {
	case map[string]any:
		enabled := lo.Keys(lo.PickBy(providers, func(_ string, v any) bool {
			switch p := v.(type) {
			case bool:
				return p
			case map[string]any:
				on, ok := p["enabled"].(bool)
				return !ok || on
			default:
				return v != nil
			}
		}))
		sort.Strings(enabled)
		m["providers"] = enabled
	case []any:
	default:
		m["providers"] = []string{}
	}
	if active, ok := m["activeProvider"].(string); ok && active != "" {
		if list, ok := m["providers"].([]string); ok && !lo.Contains(list, active) {
			m["activeProvider"] = ""
		}
	}
	return m, nil
}
