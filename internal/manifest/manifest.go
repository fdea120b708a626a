package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// WorkItem is one unit of analysis input parsed from a manifest.
// Immutable once parsed.
type WorkItem struct {
	Key      string            `json:"key"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts either a bare storage key string or an object
// with a "key" field. Both shapes appear in uploaded manifests.
func (w *WorkItem) UnmarshalJSON(data []byte) error {
	var key string
	if err := json.Unmarshal(data, &key); err == nil {
		w.Key = key
		return nil
	}

	type workItem WorkItem
	var item workItem
	if err := json.Unmarshal(data, &item); err != nil {
		return fmt.Errorf("work item must be a key string or an object: %w", err)
	}

	*w = WorkItem(item)
	return nil
}

// Token identifies a manifest: where it was read from plus a content
// fingerprint, so duplicate deliveries of the same upload can be
// recognized.
type Token struct {
	Location    string `json:"location"`
	Fingerprint string `json:"fingerprint"`
}

func (t Token) String() string {
	return t.Location + "@" + t.Fingerprint
}

// Manifest is a validated analysis run description: an ordered list of
// work items belonging to one project.
type Manifest struct {
	Project string
	Items   []WorkItem
	Token   Token
}

// Keys returns the storage keys of all work items in manifest order
func (m *Manifest) Keys() []string {
	keys := make([]string, len(m.Items))
	for i, item := range m.Items {
		keys[i] = item.Key
	}
	return keys
}

// manifestDoc is the wire shape of an uploaded manifest
type manifestDoc struct {
	ProjectName string     `json:"project_name"`
	AudioFiles  []WorkItem `json:"audio_files"`
}

// Parse validates raw manifest bytes into a Manifest. maxItems bounds
// the accepted list length; pathologically large manifests are rejected
// outright rather than truncated. All validation failures are reported
// as ErrMalformed and are terminal for the event.
func Parse(location string, data []byte, maxItems int) (*Manifest, error) {
	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformed, err)
	}

	if doc.ProjectName == "" {
		return nil, fmt.Errorf("%w: missing project_name", ErrMalformed)
	}

	if len(doc.AudioFiles) == 0 {
		return nil, fmt.Errorf("%w: empty audio_files list", ErrMalformed)
	}

	if maxItems > 0 && len(doc.AudioFiles) > maxItems {
		return nil, fmt.Errorf("%w: %d audio files exceeds limit of %d", ErrMalformed, len(doc.AudioFiles), maxItems)
	}

	for i, item := range doc.AudioFiles {
		if item.Key == "" {
			return nil, fmt.Errorf("%w: audio file entry %d has no storage key", ErrMalformed, i)
		}
	}

	sum := sha256.Sum256(data)

	return &Manifest{
		Project: doc.ProjectName,
		Items:   doc.AudioFiles,
		Token: Token{
			Location:    location,
			Fingerprint: hex.EncodeToString(sum[:]),
		},
	}, nil
}
