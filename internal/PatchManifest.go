package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
)

// ErrMalformedManifest is wrapped by every manifest schema violation
var ErrMalformedManifest = errors.New("malformed manifest")

// PatchEdge transitions a file from one known digest to another
type PatchEdge struct {
	Source           Digest
	Destination      Digest
	Locator          string
	Size             int64
	DecompressedSize int64

	// Optional: digest of the bytes as fetched, and of the unwrapped patch
	CompressedDigest *Digest
	PatchDigest      *Digest
}

// String describes the edge for log lines
func (e PatchEdge) String() string {
	return fmt.Sprintf("%s->%s (%s)", e.Source.Short(), e.Destination.Short(), e.Locator)
}

// ManifestEntry describes one tracked file
type ManifestEntry struct {
	Name   string
	Digest Digest
	Edges  []PatchEdge

	// Full download of the current version, used when no patch chain exists
	Download         string
	CompressedDigest *Digest

	// Platforms this file is shipped for. Empty means every platform.
	Only []string
}

// SupportsPlatform reports whether the entry applies to platform
func (e *ManifestEntry) SupportsPlatform(platform string) bool {
	if len(e.Only) == 0 || platform == "" {
		return true
	}
	return slices.Contains(e.Only, platform)
}

// Manifest is the resolved, immutable description of every tracked file
type Manifest struct {
	entries map[string]*ManifestEntry
	names   []string
}

// Names returns the tracked filenames in sorted order
func (m *Manifest) Names() []string {
	return slices.Clone(m.names)
}

// Entry looks up one file
func (m *Manifest) Entry(name string) (*ManifestEntry, bool) {
	e, ok := m.entries[name]
	return e, ok
}

// Len returns the number of tracked files
func (m *Manifest) Len() int {
	return len(m.names)
}

// manifestFileJson is the wire form of one file entry
type manifestFileJson struct {
	Hash     string          `json:"hash"`
	Download string          `json:"dl"`
	CompHash string          `json:"compHash"`
	Only     []string        `json:"only"`
	Patches  json.RawMessage `json:"patches"`
}

// manifestPatchJson is the wire form of one patch descriptor. In the keyed
// form the source digest is the object key; in the list form it is From.
type manifestPatchJson struct {
	From             string        `json:"from"`
	To               string        `json:"to"`
	Destination      string        `json:"destination"`
	Filename         string        `json:"filename"`
	Url              string        `json:"url"`
	CompPatchHash    string        `json:"compPatchHash"`
	PatchHash        string        `json:"patchHash"`
	Size             SizeConverter `json:"size"`
	CompressedSize   SizeConverter `json:"compressedSize"`
	DecompressedSize SizeConverter `json:"decompressedSize"`
}

// FetchManifest downloads and resolves the manifest at locator
func FetchManifest(ctx context.Context, fetcher Fetcher, locator string) (*Manifest, error) {
	raw, err := fetcher.Fetch(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	return ResolveManifest(raw)
}

// ResolveManifest parses a manifest document. The document may be wrapped in
// zstd or bzip2. Any schema violation rejects the whole manifest.
func ResolveManifest(raw []byte) (*Manifest, error) {
	data, err := UnwrapPayload(raw, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}

	m := &Manifest{entries: make(map[string]*ManifestEntry)}
	err = decodeObjectEntries(data, func(name string, value json.RawMessage) error {
		entry, err := resolveManifestEntry(name, value)
		if err != nil {
			return err
		}
		// Names are canonical at this point, so equal names mean the same file
		if _, dup := m.entries[entry.Name]; dup {
			return fmt.Errorf("file %q: listed twice", name)
		}
		m.entries[name] = entry
		m.names = append(m.names, name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}

	sort.Strings(m.names)
	return m, nil
}

func resolveManifestEntry(name string, value json.RawMessage) (*ManifestEntry, error) {
	if err := ValidateAssetName(name); err != nil {
		return nil, fmt.Errorf("file %q: %v", name, err)
	}
	if !isJsonObject(value) {
		return nil, fmt.Errorf("file %q: expected an object", name)
	}

	var fileJson manifestFileJson
	if err := json.Unmarshal(value, &fileJson); err != nil {
		return nil, fmt.Errorf("file %q: %v", name, err)
	}

	if fileJson.Hash == "" {
		return nil, fmt.Errorf("file %q: missing \"hash\"", name)
	}
	digest, err := ParseDigest(fileJson.Hash)
	if err != nil {
		return nil, fmt.Errorf("file %q: \"hash\": %v", name, err)
	}

	entry := &ManifestEntry{
		Name:     name,
		Digest:   digest,
		Download: fileJson.Download,
		Only:     fileJson.Only,
	}

	if entry.CompressedDigest, err = parseOptionalDigest(fileJson.CompHash); err != nil {
		return nil, fmt.Errorf("file %q: \"compHash\": %v", name, err)
	}

	entry.Edges, err = resolvePatchEdges(entry, fileJson.Patches)
	if err != nil {
		return nil, fmt.Errorf("file %q: %v", name, err)
	}
	return entry, nil
}

func resolvePatchEdges(entry *ManifestEntry, raw json.RawMessage) ([]PatchEdge, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var edges []PatchEdge
	switch trimmed[0] {
	case '{':
		// Keys are compared as digests, so hex case or base64 spellings of one
		// source cannot slip past the duplicate check
		sources := make(map[Digest]string)
		err := decodeObjectEntries(trimmed, func(key string, value json.RawMessage) error {
			edge, err := resolvePatchEdge(entry, key, value)
			if err != nil {
				return fmt.Errorf("patch %q: %v", key, err)
			}
			if prev, dup := sources[edge.Source]; dup {
				return fmt.Errorf("patch %q: same source digest as %q", key, prev)
			}
			sources[edge.Source] = key
			edges = append(edges, edge)
			return nil
		})
		if err != nil {
			return nil, err
		}
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("\"patches\": %v", err)
		}
		for i, value := range list {
			edge, err := resolvePatchEdge(entry, "", value)
			if err != nil {
				return nil, fmt.Errorf("patch #%d: %v", i, err)
			}
			edges = append(edges, edge)
		}
	default:
		return nil, errors.New("\"patches\" must be an object or an array")
	}
	return edges, nil
}

func resolvePatchEdge(entry *ManifestEntry, key string, value json.RawMessage) (PatchEdge, error) {
	var edge PatchEdge
	if !isJsonObject(value) {
		return edge, errors.New("expected an object")
	}

	var patchJson manifestPatchJson
	if err := json.Unmarshal(value, &patchJson); err != nil {
		return edge, err
	}

	source := key
	switch {
	case source == "" && patchJson.From == "":
		return edge, errors.New("missing source digest")
	case source == "":
		source = patchJson.From
	case patchJson.From != "" && patchJson.From != source:
		return edge, fmt.Errorf("\"from\" %q disagrees with key", patchJson.From)
	}

	var err error
	if edge.Source, err = ParseDigest(source); err != nil {
		return edge, fmt.Errorf("source: %v", err)
	}

	edge.Destination = entry.Digest
	if dest := firstNonEmpty(patchJson.To, patchJson.Destination); dest != "" {
		if edge.Destination, err = ParseDigest(dest); err != nil {
			return edge, fmt.Errorf("destination: %v", err)
		}
	}

	edge.Locator = firstNonEmpty(patchJson.Filename, patchJson.Url)
	if edge.Locator == "" {
		return edge, errors.New("missing \"filename\"")
	}

	edge.Size = int64(patchJson.Size)
	if edge.Size == 0 {
		edge.Size = int64(patchJson.CompressedSize)
	}
	edge.DecompressedSize = int64(patchJson.DecompressedSize)

	if edge.CompressedDigest, err = parseOptionalDigest(patchJson.CompPatchHash); err != nil {
		return edge, fmt.Errorf("\"compPatchHash\": %v", err)
	}
	if edge.PatchDigest, err = parseOptionalDigest(patchJson.PatchHash); err != nil {
		return edge, fmt.Errorf("\"patchHash\": %v", err)
	}
	return edge, nil
}

// decodeObjectEntries walks a JSON object key by key, rejecting duplicate keys
// and trailing data. encoding/json silently keeps the last duplicate otherwise.
func decodeObjectEntries(data []byte, fn func(key string, value json.RawMessage) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("expected a JSON object")
	}

	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate key %q", key)
		}
		seen[key] = struct{}{}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("key %q: %v", key, err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after the top-level object")
	}
	return nil
}

func isJsonObject(value json.RawMessage) bool {
	trimmed := bytes.TrimSpace(value)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func parseOptionalDigest(s string) (*Digest, error) {
	if s == "" {
		return nil, nil
	}
	d, err := ParseDigest(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
