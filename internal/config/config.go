package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Notification template keys the engine emits. A config must define
// text for every one of them.
var RequiredTemplates = []string{
	"request.submitted",
	"request.advanced",
	"request.approved",
	"request.rejected",
	"request.returned",
	"request.resubmitted",
}

// Config models formflow.yml.
type Config struct {
	Organization struct {
		Name string `yaml:"name"`
	} `yaml:"organization"`
	Roles         map[string]RoleSpec `yaml:"roles"`
	Notifications struct {
		Templates map[string]string `yaml:"templates"`
		Webhook   WebhookConfig     `yaml:"webhook"`
	} `yaml:"notifications"`
	Documents struct {
		ApprovalTemplate string `yaml:"approval_template"`
	} `yaml:"documents"`
}

type RoleSpec struct {
	Name        string   `yaml:"name"`
	Category    string   `yaml:"category"`
	Scope       string   `yaml:"scope"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	Enabled        *bool  `yaml:"enabled"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

var validCategories = map[string]bool{"student": true, "employee": true}
var validScopes = map[string]bool{"unrestricted": true, "college": true, "department": true, "none": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Organization.Name == "" {
		return fmt.Errorf("config.organization.name is required")
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	if _, ok := c.Roles["admin"]; !ok {
		return fmt.Errorf("config.roles must include admin")
	}
	for id, role := range c.Roles {
		if id == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
		if role.Name == "" {
			return fmt.Errorf("role %s has no name", id)
		}
		if !validCategories[role.Category] {
			return fmt.Errorf("role %s has invalid category %q", id, role.Category)
		}
		if !validScopes[role.Scope] {
			return fmt.Errorf("role %s has invalid scope %q", id, role.Scope)
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", id)
			}
		}
	}
	if admin := c.Roles["admin"]; admin.Scope != "unrestricted" {
		return fmt.Errorf("role admin must have scope unrestricted")
	}
	for _, key := range RequiredTemplates {
		if c.Notifications.Templates[key] == "" {
			return fmt.Errorf("config.notifications.templates.%s is required", key)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "formflow.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with ff config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default(orgName string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgName))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgName string) string {
	return fmt.Sprintf(defaultTemplate, orgName)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `organization:
  name: %s

roles:
  admin:
    name: Administrator
    category: employee
    scope: unrestricted
    permissions: [org.manage, workflow.manage, form.manage, request.read, delegation.manage, audit.read]

  dean:
    name: Dean
    category: employee
    scope: college
    permissions: [request.read, audit.read]

  department_head:
    name: Department Head
    category: employee
    scope: department
    permissions: [request.read, audit.read]

  supervisor:
    name: Supervisor
    category: employee
    scope: none
    permissions: []

  registrar:
    name: Registrar
    category: employee
    scope: none
    permissions: []

  employee:
    name: Employee
    category: employee
    scope: none
    permissions: []

  student:
    name: Student
    category: student
    scope: none
    permissions: []

notifications:
  templates:
    request.submitted: "Request {{.ReferenceNo}} was submitted and awaits your approval."
    request.advanced: "Request {{.ReferenceNo}} was approved by {{.ActorName}} and now awaits your approval."
    request.approved: "Your request {{.ReferenceNo}} was approved by {{.ActorName}}."
    request.rejected: "Your request {{.ReferenceNo}} was rejected by {{.ActorName}}."
    request.returned: "Your request {{.ReferenceNo}} was returned by {{.ActorName}} for changes."
    request.resubmitted: "Request {{.ReferenceNo}} was resubmitted and awaits your approval."

documents:
  approval_template: |
    {{.Organization}}
    OFFICIAL APPROVAL

    Reference: {{.ReferenceNo}}
    Requester: {{.RequesterName}}
    Decided:   {{.DecidedAt}}

    This request has completed all approval steps.
`
