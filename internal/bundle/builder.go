// Package bundle assembles the canonical, content-addressable research
// bundle for a project configuration. The same configuration always
// produces the same bytes: files are ordered lexicographically, JSON is
// encoded with sorted keys, and nothing in the tree depends on the clock
// or a random source.
package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/chainlearn/dalcore/internal/configstore"
	"github.com/chainlearn/dalcore/internal/errkind"
)

// DefaultInlineThreshold is the dataset size, in bytes, at or below which
// dataset content is embedded in the bundle rather than referenced.
const DefaultInlineThreshold = 1 << 20

// File is one entry in the canonical tree.
type File struct {
	Path string
	Data []byte
}

// Bundle is the built, canonical tree. Files are sorted by path.
type Bundle struct {
	Files []File
}

// Lookup returns the file at path, or nil.
func (b *Bundle) Lookup(path string) []byte {
	for _, f := range b.Files {
		if f.Path == path {
			return f.Data
		}
	}
	return nil
}

// Digest is the SHA-256 of the canonical tree encoding. It doubles as the
// deployment idempotency key: equal configurations produce equal digests.
func (b *Bundle) Digest() string {
	h := sha256.New()
	for _, f := range b.Files {
		fmt.Fprintf(h, "%s\n%d\n", f.Path, len(f.Data))
		h.Write(f.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DatasetLoader resolves a dataset location to its raw bytes. It is only
// consulted for datasets without a prior content identifier.
type DatasetLoader func(location string) ([]byte, error)

// Builder produces bundles from configurations.
type Builder struct {
	inlineThreshold int
	load            DatasetLoader
}

// NewBuilder constructs a builder. loader may be nil, in which case every
// dataset must carry a prior content identifier.
func NewBuilder(inlineThreshold int, loader DatasetLoader) *Builder {
	if inlineThreshold <= 0 {
		inlineThreshold = DefaultInlineThreshold
	}
	return &Builder{inlineThreshold: inlineThreshold, load: loader}
}

// Build assembles the canonical tree for cfg:
//
//	ro-crate-metadata.json
//	config/config.json
//	config/extensions-config.json
//	workflows/<name>.cwl
//	inputs/inputs.json
//	inputs/datasets/<id>            (inlined small datasets only)
func (b *Builder) Build(cfg *configstore.Configuration) (*Bundle, error) {
	if len(cfg.Workflows) == 0 {
		return nil, errkind.New(errkind.InvalidInput, "no_workflow",
			"cannot build a bundle without a workflow")
	}

	var files []File
	add := func(path string, data []byte) {
		files = append(files, File{Path: path, Data: data})
	}

	mlConfig, extConfig, err := splitExtensions(cfg)
	if err != nil {
		return nil, err
	}
	add("config/config.json", mlConfig)
	add("config/extensions-config.json", extConfig)

	for _, id := range sortedKeys(cfg.Workflows) {
		wf := cfg.Workflows[id]
		name := wf.Name
		if name == "" {
			name = id
		}
		add("workflows/"+name+".cwl", []byte(wf.CWL))
	}

	inputs, datasetFiles, err := b.buildInputs(cfg)
	if err != nil {
		return nil, err
	}
	add("inputs/inputs.json", inputs)
	files = append(files, datasetFiles...)

	crate, err := roCrateMetadata(cfg, files)
	if err != nil {
		return nil, err
	}
	files = append(files, File{Path: "ro-crate-metadata.json", Data: crate})

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return &Bundle{Files: files}, nil
}

// splitExtensions separates the ML-facing configuration from every other
// extension payload.
func splitExtensions(cfg *configstore.Configuration) (mlConfig, extConfig []byte, err error) {
	ml := map[string]any{
		"project_id": cfg.ProjectID,
		"models":     cfg.Models,
	}
	if ext, ok := cfg.ActiveLearning(); ok {
		ml["active_learning"] = ext
	}
	mlConfig, err = canonicalJSON(ml)
	if err != nil {
		return nil, nil, err
	}

	others := map[string]json.RawMessage{}
	for name, raw := range cfg.Extensions {
		if name == configstore.ExtensionActiveLearning {
			continue
		}
		others[name] = raw
	}
	extConfig, err = canonicalJSON(others)
	return mlConfig, extConfig, err
}

// buildInputs produces inputs/inputs.json plus any inlined dataset files.
// The inline threshold is recorded in the manifest so that bundle identity
// is a function of configuration plus policy, nothing else.
func (b *Builder) buildInputs(cfg *configstore.Configuration) ([]byte, []File, error) {
	type datasetEntry struct {
		Role      string `json:"role"`
		Format    string `json:"format,omitempty"`
		ContentID string `json:"content_id,omitempty"`
		Path      string `json:"path,omitempty"`
		Size      int    `json:"size,omitempty"`
	}

	entries := map[string]datasetEntry{}
	var datasetFiles []File

	for _, id := range sortedKeys(cfg.Datasets) {
		d := cfg.Datasets[id]
		entry := datasetEntry{Role: string(d.Role), Format: d.Format}

		switch {
		case d.ContentID != "":
			entry.ContentID = d.ContentID
		case d.Location != "":
			if b.load == nil {
				return nil, nil, errkind.Newf(errkind.InvalidInput, "dataset_unresolved",
					"dataset %s has no content identifier and no loader is configured", id)
			}
			data, err := b.load(d.Location)
			if err != nil {
				return nil, nil, errkind.Wrapf(errkind.Transient, "dataset_read_failed",
					err, "read dataset %s", id)
			}
			if len(data) > b.inlineThreshold {
				return nil, nil, errkind.Newf(errkind.InvalidInput, "dataset_too_large",
					"dataset %s is %d bytes; pin it and reference its content identifier",
					id, len(data))
			}
			entry.Path = "inputs/datasets/" + id
			entry.Size = len(data)
			datasetFiles = append(datasetFiles, File{Path: entry.Path, Data: data})
		default:
			return nil, nil, errkind.Newf(errkind.InvalidInput, "dataset_empty",
				"dataset %s has neither location nor content identifier", id)
		}
		entries[id] = entry
	}

	inputs, err := canonicalJSON(map[string]any{
		"datasets":         entries,
		"inline_threshold": b.inlineThreshold,
	})
	return inputs, datasetFiles, err
}

// roCrateMetadata generates the top-level descriptor from the configuration
// and the already-built files. No clock, no random source.
func roCrateMetadata(cfg *configstore.Configuration, files []File) ([]byte, error) {
	graph := []map[string]any{
		{
			"@id":        "ro-crate-metadata.json",
			"@type":      "CreativeWork",
			"about":      map[string]any{"@id": "./"},
			"conformsTo": map[string]any{"@id": "https://w3id.org/ro/crate/1.1"},
		},
		{
			"@id":        "./",
			"@type":      "Dataset",
			"identifier": cfg.ProjectID,
			"version":    cfg.Version,
		},
	}

	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for _, f := range sorted {
		graph = append(graph, map[string]any{
			"@id":         f.Path,
			"@type":       "File",
			"contentSize": len(f.Data),
			"sha256":      sha256Hex(f.Data),
		})
	}

	return canonicalJSON(map[string]any{
		"@context": "https://w3id.org/ro/crate/1.1/context",
		"@graph":   graph,
	})
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON encodes v with sorted object keys, two-space indentation and
// a trailing newline. The round trip through an untyped value forces struct
// fields into map ordering.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errkind.Wrap(errkind.InternalInvariant, "encode_failed", err)
	}
	var untyped any
	if err := json.Unmarshal(raw, &untyped); err != nil {
		return nil, errkind.Wrap(errkind.InternalInvariant, "encode_failed", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(untyped); err != nil {
		return nil, errkind.Wrap(errkind.InternalInvariant, "encode_failed", err)
	}
	return buf.Bytes(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
