package jobs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/teranos/chronos/errors"
)

// Definition is the file form of a Spec. Parents are referenced by name.
type Definition struct {
	Name         string   `yaml:"name" toml:"name"`
	Description  string   `yaml:"description,omitempty" toml:"description,omitempty"`
	Type         string   `yaml:"type" toml:"type"`
	Driver       string   `yaml:"driver,omitempty" toml:"driver,omitempty"`
	Code         string   `yaml:"code" toml:"code"`
	ResultQuery  string   `yaml:"result_query,omitempty" toml:"result_query,omitempty"`
	Schedule     string   `yaml:"schedule,omitempty" toml:"schedule,omitempty"`
	Enabled      *bool    `yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	Parent       string   `yaml:"parent,omitempty" toml:"parent,omitempty"`
	MaxRetries   *int     `yaml:"max_retries,omitempty" toml:"max_retries,omitempty"`
	ResultEmails []string `yaml:"result_emails,omitempty" toml:"result_emails,omitempty"`
	StatusEmails []string `yaml:"status_emails,omitempty" toml:"status_emails,omitempty"`
}

// DefinitionFile is a set of job definitions, optionally pinned to a
// range of agent versions.
type DefinitionFile struct {
	Requires string       `yaml:"requires,omitempty" toml:"requires,omitempty"`
	Jobs     []Definition `yaml:"jobs" toml:"jobs"`
}

// Definition file formats
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", errors.NewInvalidRequestError("unsupported definition file %q (want .yaml, .yml or .toml)", path)
}

// LoadDefinitions reads and parses a definition file.
func LoadDefinitions(path string) (*DefinitionFile, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	file, err := ParseDefinitions(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return file, nil
}

// ParseDefinitions decodes data in the given format. Unknown keys are errors.
func ParseDefinitions(data []byte, format string) (*DefinitionFile, error) {
	var file DefinitionFile
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, errors.WrapInvalidRequest(err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &file)
		if err != nil {
			return nil, errors.WrapInvalidRequest(err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, errors.NewInvalidRequestError("unknown keys: %s", strings.Join(keys, ", "))
		}
	default:
		return nil, errors.NewInvalidRequestError("unknown definition format %q", format)
	}
	return &file, nil
}

// CheckCompatible verifies the file's version constraint against version.
// Development builds (non-semver versions) accept every file.
func (f *DefinitionFile) CheckCompatible(version string) error {
	if f.Requires == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(f.Requires)
	if err != nil {
		return errors.NewInvalidRequestError("invalid version constraint %q: %v", f.Requires, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil
	}
	if !constraint.Check(v) {
		return errors.WithHintf(
			errors.NewInvalidRequestError("definitions require chronos %s, running %s", f.Requires, version),
			"upgrade the agent or relax the requires constraint")
	}
	return nil
}

// SpecAdmin is the subset of SQLStore that Sync writes through.
type SpecAdmin interface {
	GetSpecByName(ctx context.Context, name string) (*Spec, error)
	CreateSpec(ctx context.Context, spec *Spec) error
	UpdateSpec(ctx context.Context, spec *Spec) error
}

// SyncResult counts what Sync did.
type SyncResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Sync creates or updates every definition by name, parents before children.
// Parents may live in the file or already exist in the store.
func Sync(ctx context.Context, store SpecAdmin, file *DefinitionFile) (SyncResult, error) {
	var result SyncResult

	inFile := make(map[string]bool, len(file.Jobs))
	for _, def := range file.Jobs {
		if inFile[def.Name] {
			return result, errors.NewInvalidRequestError("job %q defined twice", def.Name)
		}
		inFile[def.Name] = true
	}

	ids := map[string]int64{}
	pending := append([]Definition(nil), file.Jobs...)
	for len(pending) > 0 {
		var blocked []Definition
		for _, def := range pending {
			var parentID *int64
			if def.Parent != "" {
				id, ok := ids[def.Parent]
				if !ok && inFile[def.Parent] {
					blocked = append(blocked, def)
					continue
				}
				if !ok {
					parent, err := store.GetSpecByName(ctx, def.Parent)
					if err != nil {
						return result, errors.Wrapf(err, "job %q parent", def.Name)
					}
					id = parent.ID
				}
				parentID = &id
			}

			spec := def.toSpec(parentID)
			existing, err := store.GetSpecByName(ctx, def.Name)
			switch {
			case errors.IsNotFoundError(err):
				if err := store.CreateSpec(ctx, spec); err != nil {
					return result, err
				}
				result.Created++
			case err != nil:
				return result, err
			case sameDefinition(existing, spec):
				spec.ID = existing.ID
				result.Unchanged++
			default:
				spec.ID = existing.ID
				if err := store.UpdateSpec(ctx, spec); err != nil {
					return result, err
				}
				result.Updated++
			}
			ids[def.Name] = spec.ID
		}

		if len(blocked) == len(pending) {
			names := make([]string, len(blocked))
			for i, def := range blocked {
				names[i] = def.Name
			}
			return result, errors.Wrapf(errors.ErrDependencyCycle, "jobs %s", strings.Join(names, ", "))
		}
		pending = blocked
	}
	return result, nil
}

// ExportDefinitions turns specs back into a definition file.
func ExportDefinitions(specs []*Spec) *DefinitionFile {
	names := make(map[int64]string, len(specs))
	for _, spec := range specs {
		names[spec.ID] = spec.Name
	}

	file := &DefinitionFile{Jobs: make([]Definition, 0, len(specs))}
	for _, spec := range specs {
		enabled := spec.Enabled
		def := Definition{
			Name:         spec.Name,
			Description:  spec.Description,
			Type:         string(spec.Type),
			Driver:       spec.Driver,
			Code:         spec.Code,
			ResultQuery:  spec.ResultQuery,
			Schedule:     spec.Schedule,
			Enabled:      &enabled,
			MaxRetries:   spec.MaxRetries,
			ResultEmails: spec.ResultEmails,
			StatusEmails: spec.StatusEmails,
		}
		if spec.ParentID != nil {
			def.Parent = names[*spec.ParentID]
		}
		file.Jobs = append(file.Jobs, def)
	}
	return file
}

func (d Definition) toSpec(parentID *int64) *Spec {
	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}
	return &Spec{
		Name:         d.Name,
		Description:  d.Description,
		Type:         Type(d.Type),
		Driver:       d.Driver,
		Code:         d.Code,
		ResultQuery:  d.ResultQuery,
		Schedule:     d.Schedule,
		Enabled:      enabled,
		ParentID:     parentID,
		MaxRetries:   d.MaxRetries,
		ResultEmails: d.ResultEmails,
		StatusEmails: d.StatusEmails,
	}
}

func sameDefinition(a, b *Spec) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.Type == b.Type &&
		a.Driver == b.Driver &&
		a.Code == b.Code &&
		a.ResultQuery == b.ResultQuery &&
		a.Schedule == b.Schedule &&
		a.Enabled == b.Enabled &&
		reflect.DeepEqual(a.ParentID, b.ParentID) &&
		reflect.DeepEqual(a.MaxRetries, b.MaxRetries) &&
		reflect.DeepEqual(emptyIfNil(a.ResultEmails), emptyIfNil(b.ResultEmails)) &&
		reflect.DeepEqual(emptyIfNil(a.StatusEmails), emptyIfNil(b.StatusEmails))
}
