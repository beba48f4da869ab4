package vm

import (
	"fmt"

	"github.com/stratomesh/stratomesh/internal/domain"
)

// TemplatePort is one service a template exposes.
type TemplatePort struct {
	Name      string
	Port      int
	Protocol  string
	CheckType domain.ServiceCheckType
	HTTPPath  string
}

// Template is a prebuilt VM recipe: base image, optional container workload,
// exposed services, and the cloud-init fragment that wires them up.
type Template struct {
	ID             string
	DisplayName    string
	ImageID        string
	ContainerImage string
	GPUMode        domain.GPUMode
	UserData       string
	Ports          []TemplatePort
	// PrimaryPort is the port the ingress layer fronts. 0 means none.
	PrimaryPort int
}

// IsGPU reports whether the template needs GPU hardware; such templates
// promote the VM type to Inference.
func (t *Template) IsGPU() bool {
	return t.GPUMode == domain.GPUModePassthrough || t.GPUMode == domain.GPUModeProxied
}

// TemplateCatalog resolves template ids. The built-in set covers the common
// workloads; deployments may register more at startup.
type TemplateCatalog struct {
	templates map[string]*Template
}

// NewTemplateCatalog returns a catalog seeded with the built-in templates.
func NewTemplateCatalog() *TemplateCatalog {
	c := &TemplateCatalog{templates: make(map[string]*Template)}
	for _, t := range builtinTemplates {
		c.Register(t)
	}
	return c
}

// Register adds or replaces a template.
func (c *TemplateCatalog) Register(t *Template) {
	c.templates[t.ID] = t
}

// Get resolves a template id.
func (c *TemplateCatalog) Get(id string) (*Template, error) {
	t, ok := c.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

var builtinTemplates = []*Template{
	{
		ID:          "docker-host",
		DisplayName: "Docker Host",
		ImageID:     "ubuntu-24.04",
		UserData:    "#cloud-config\npackages:\n  - docker.io\nruncmd:\n  - systemctl enable --now docker\n",
	},
	{
		ID:          "web-nginx",
		DisplayName: "Nginx Web Server",
		ImageID:     "ubuntu-24.04",
		UserData:    "#cloud-config\npackages:\n  - nginx\nruncmd:\n  - systemctl enable --now nginx\n",
		Ports: []TemplatePort{
			{Name: "http", Port: 80, Protocol: "tcp", CheckType: domain.CheckHTTPGet, HTTPPath: "/"},
		},
		PrimaryPort: 80,
	},
	{
		ID:             "inference-vllm",
		DisplayName:    "vLLM Inference Server",
		ImageID:        "ubuntu-24.04-cuda",
		ContainerImage: "vllm/vllm-openai:latest",
		GPUMode:        domain.GPUModeProxied,
		UserData:       "#cloud-config\nruncmd:\n  - docker run -d --gpus all -p 8000:8000 ${container_image}\n",
		Ports: []TemplatePort{
			{Name: "openai-api", Port: 8000, Protocol: "tcp", CheckType: domain.CheckHTTPGet, HTTPPath: "/health"},
		},
		PrimaryPort: 8000,
	},
	{
		ID:          "postgres-16",
		DisplayName: "PostgreSQL 16",
		ImageID:     "ubuntu-24.04",
		UserData:    "#cloud-config\npackages:\n  - postgresql-16\nruncmd:\n  - systemctl enable --now postgresql\n",
		Ports: []TemplatePort{
			{Name: "postgres", Port: 5432, Protocol: "tcp", CheckType: domain.CheckTCPPort},
		},
		PrimaryPort: 5432,
	},
}
