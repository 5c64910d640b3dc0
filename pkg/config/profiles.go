package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/fabric/pkg/smartcity"
)

// profileSchemaConstraint bounds the profile schema versions this build can
// read. Profiles written for a newer major schema are rejected at load.
const profileSchemaConstraint = ">= 1.0.0, < 2.0.0"

// PolicyProfile is a YAML-authored materialization policy, installed into
// the policy store at boot.
type PolicyProfile struct {
	SchemaVersion string        `yaml:"schema_version"`
	PolicyName    string        `yaml:"policy_name"`
	TenantID      string        `yaml:"tenant_id,omitempty"`
	SolutionID    string        `yaml:"solution_id,omitempty"`
	Description   string        `yaml:"description,omitempty"`
	Default       bool          `yaml:"platform_default,omitempty"`
	Rules         []ProfileRule `yaml:"rules"`
}

// ProfileRule is one policy clause. An empty expression always matches;
// ttl_days 0 means permanent.
type ProfileRule struct {
	MaterializationType string `yaml:"materialization_type,omitempty"`
	Expression          string `yaml:"expression,omitempty"`
	TTLDays             int    `yaml:"ttl_days,omitempty"`
	BackingStore        string `yaml:"backing_store,omitempty"`
}

// Policy converts the profile into the store's policy shape.
func (p PolicyProfile) Policy() smartcity.MaterializationPolicy {
	policy := smartcity.MaterializationPolicy{
		PolicyName:        p.PolicyName,
		TenantID:          p.TenantID,
		SolutionID:        p.SolutionID,
		Description:       p.Description,
		IsPlatformDefault: p.Default,
		IsActive:          true,
		PolicyVersion:     1,
	}
	for _, r := range p.Rules {
		policy.PolicyRules = append(policy.PolicyRules, smartcity.PolicyRule{
			MaterializationType: smartcity.MaterializationType(r.MaterializationType),
			Expression:          r.Expression,
			TTLDays:             r.TTLDays,
			BackingStore:        smartcity.BackingStore(r.BackingStore),
		})
	}
	return policy
}

// LoadProfile reads and validates one profile file.
func LoadProfile(path string) (PolicyProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyProfile{}, fmt.Errorf("load profile %s: %w", path, err)
	}

	var profile PolicyProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return PolicyProfile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := profile.validate(); err != nil {
		return PolicyProfile{}, fmt.Errorf("profile %s: %w", path, err)
	}
	if profile.PolicyName == "" {
		profile.PolicyName = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return profile, nil
}

// LoadProfiles reads every *.yaml profile in dir. A missing dir is not an
// error; it simply yields no profiles.
func LoadProfiles(dir string) ([]PolicyProfile, error) {
	if dir == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make([]PolicyProfile, 0, len(matches))
	for _, path := range matches {
		profile, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

func (p PolicyProfile) validate() error {
	if p.SchemaVersion == "" {
		return fmt.Errorf("schema_version is required")
	}
	version, err := semver.NewVersion(p.SchemaVersion)
	if err != nil {
		return fmt.Errorf("bad schema_version %q: %w", p.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(profileSchemaConstraint)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("schema_version %s outside supported range %s", version, profileSchemaConstraint)
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("profile has no rules")
	}
	for i, r := range p.Rules {
		if r.TTLDays < 0 {
			return fmt.Errorf("rule %d: ttl_days must not be negative", i)
		}
	}
	return nil
}
