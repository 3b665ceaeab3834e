package types

import "sort"

// ManifestAction selects between planning and executing a manifest run.
type ManifestAction string

const (
	ManifestActionPlan ManifestAction = "plan"
	ManifestActionRun  ManifestAction = "run"
)

// ManifestSourceType describes where the manifest YAML comes from.
type ManifestSourceType string

const (
	ManifestSourceInline   ManifestSourceType = "inline"
	ManifestSourceRegistry ManifestSourceType = "registry"
	ManifestSourcePath     ManifestSourceType = "path"
)

// ManifestSource locates the manifest YAML for a run.
type ManifestSource struct {
	Type ManifestSourceType `json:"type"`

	// Content is the YAML text for inline sources.
	Content string `json:"content,omitempty"`

	// Name is the registry name for registry sources.
	Name string `json:"name,omitempty"`

	// Path is a filesystem path for path sources.
	Path string `json:"path,omitempty"`
}

// ManifestOptions are per-run overrides.
type ManifestOptions struct {
	DryRun    bool `json:"dryRun,omitempty"`
	ForceFull bool `json:"forceFull,omitempty"`
	MaxDocs   int  `json:"maxDocs,omitempty"`
}

// ManifestRef names and locates the manifest for a run.
type ManifestRef struct {
	// Name must match metadata.name inside the YAML.
	Name   string         `json:"name"`
	Source ManifestSource `json:"source"`
	Action ManifestAction `json:"action"`
}

// ManifestPayload is the payload of a JobTypeManifest job.
type ManifestPayload struct {
	Manifest ManifestRef     `json:"manifest"`
	Options  ManifestOptions `json:"options"`
}

// Copy returns a deep copy of the ManifestPayload.
func (p *ManifestPayload) Copy() *ManifestPayload {
	rv := new(ManifestPayload)
	*rv = *p
	return rv
}

// Validate checks the manifest run contract.
func (p *ManifestPayload) Validate() error {
	if p.Manifest.Name == "" {
		return KindErrorf(ErrorKindValidation, "manifest.name is required")
	}
	switch p.Manifest.Action {
	case ManifestActionPlan, ManifestActionRun:
	default:
		return KindErrorf(ErrorKindValidation, "manifest.action %q is not one of plan, run", p.Manifest.Action)
	}
	switch p.Manifest.Source.Type {
	case ManifestSourceInline:
		if p.Manifest.Source.Content == "" {
			return KindErrorf(ErrorKindValidation, "manifest.source.content is required for inline sources")
		}
	case ManifestSourceRegistry:
		if p.Manifest.Source.Name == "" {
			return KindErrorf(ErrorKindValidation, "manifest.source.name is required for registry sources")
		}
	case ManifestSourcePath:
		if p.Manifest.Source.Path == "" {
			return KindErrorf(ErrorKindValidation, "manifest.source.path is required for path sources")
		}
	default:
		return KindErrorf(ErrorKindValidation, "manifest.source.type %q is not one of inline, registry, path", p.Manifest.Source.Type)
	}
	if p.Options.MaxDocs < 0 {
		return KindErrorf(ErrorKindValidation, "options.maxDocs must be >= 0")
	}
	return nil
}

// DeriveRequiredCapabilities returns the capability set for a manifest job.
func (p *ManifestPayload) DeriveRequiredCapabilities() []string {
	return []string{CapabilityManifest}
}

// CapabilityManifest is advertised by workers able to run manifest jobs.
const CapabilityManifest = "manifest"

func sortStrings(s []string) {
	sort.Strings(s)
}
