package models

import (
	"fmt"
)

// Tier represents a subscription level
type Tier uint8

const (
	TierFree Tier = iota
	TierPro
	TierEnterprise
	// TierAnonymous is only used to rate limit unauthenticated callers.
	TierAnonymous

	tierCount
)

// Unlimited marks a credit allotment or limit that never runs out
const Unlimited = -1

// TemplateID identifies a resume output template
type TemplateID string

const (
	TemplateClassic   TemplateID = "classic"
	TemplateModern    TemplateID = "modern"
	TemplateMinimal   TemplateID = "minimal"
	TemplateExecutive TemplateID = "executive"
	TemplateCreative  TemplateID = "creative"
)

// TierConfig holds the static limits attached to a tier
type TierConfig struct {
	CreditsPerMonth   int          `json:"credits_per_month"` // Unlimited for enterprise
	MaxFileSize       int64        `json:"max_file_size"`
	AllowedTemplates  []TemplateID `json:"allowed_templates"`
	RequestsPerMinute int          `json:"requests_per_minute"`
}

const mib = 1 << 20

var allTemplates = []TemplateID{
	TemplateClassic, TemplateModern, TemplateMinimal, TemplateExecutive, TemplateCreative,
}

// tierConfigs is indexed by Tier. The assertion below stops the build if a
// tier is added without an entry.
var tierConfigs = [...]TierConfig{
	TierFree: {
		CreditsPerMonth:   3,
		MaxFileSize:       5 * mib,
		AllowedTemplates:  []TemplateID{TemplateClassic, TemplateModern},
		RequestsPerMinute: 5,
	},
	TierPro: {
		CreditsPerMonth:   50,
		MaxFileSize:       10 * mib,
		AllowedTemplates:  allTemplates,
		RequestsPerMinute: 30,
	},
	TierEnterprise: {
		CreditsPerMonth:   Unlimited,
		MaxFileSize:       25 * mib,
		AllowedTemplates:  allTemplates,
		RequestsPerMinute: 100,
	},
	TierAnonymous: {
		CreditsPerMonth:   0,
		MaxFileSize:       2 * mib,
		AllowedTemplates:  []TemplateID{TemplateClassic},
		RequestsPerMinute: 3,
	},
}

var _ = [1]struct{}{}[len(tierConfigs)-int(tierCount)]

var tierNames = [...]string{
	TierFree:       "free",
	TierPro:        "pro",
	TierEnterprise: "enterprise",
	TierAnonymous:  "anonymous",
}

var _ = [1]struct{}{}[len(tierNames)-int(tierCount)]

// ConfigFor returns the static configuration of a tier
func ConfigFor(t Tier) (TierConfig, bool) {
	if t >= tierCount {
		return TierConfig{}, false
	}
	return tierConfigs[t], true
}

// Config returns the tier configuration, panicking on a tier value that was
// never declared. Only reachable through a bad conversion.
func (t Tier) Config() TierConfig {
	cfg, ok := ConfigFor(t)
	if !ok {
		panic(fmt.Sprintf("models: undeclared tier %d", t))
	}
	return cfg
}

// String returns the wire name of the tier
func (t Tier) String() string {
	if t >= tierCount {
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
	return tierNames[t]
}

// HasUnlimitedCredits reports whether credits are never consumed
func (t Tier) HasUnlimitedCredits() bool {
	cfg, ok := ConfigFor(t)
	return ok && cfg.CreditsPerMonth == Unlimited
}

// AllowsTemplate reports whether the tier may render with the template
func (t Tier) AllowsTemplate(id TemplateID) bool {
	cfg, ok := ConfigFor(t)
	if !ok {
		return false
	}
	for _, allowed := range cfg.AllowedTemplates {
		if allowed == id {
			return true
		}
	}
	return false
}

// ParseTier converts a stored or configured tier name. Unknown names are an
// error rather than a silent fallback to free.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if name == s {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (t Tier) MarshalText() ([]byte, error) {
	if t >= tierCount {
		return nil, fmt.Errorf("undeclared tier %d", uint8(t))
	}
	return []byte(tierNames[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// CreditsValue is a credit balance that may be unlimited
type CreditsValue struct {
	Amount    int
	Unlimited bool
}

// MarshalJSON renders unlimited balances as the string "unlimited"
func (v CreditsValue) MarshalJSON() ([]byte, error) {
	if v.Unlimited {
		return []byte(`"unlimited"`), nil
	}
	return []byte(fmt.Sprintf("%d", v.Amount)), nil
}
