package a2a

import (
	"fmt"

	"github.com/google/uuid"
)

// Artifact is an output produced by a task. Artifacts are built up
// incrementally: an artifact-update event with append=true concatenates
// parts onto an existing artifact, append=false replaces it atomically,
// and lastChunk=true marks it complete.
type Artifact struct {
	ArtifactID  string         `json:"artifactId"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Extensions  []string       `json:"extensions,omitempty"`
}

// NewArtifact creates an artifact with a generated id. Parts must be
// non-empty and are defensively copied.
func NewArtifact(name string, parts []Part) (*Artifact, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("artifact requires at least one part")
	}
	return &Artifact{
		ArtifactID: uuid.New().String(),
		Name:       name,
		Parts:      cloneParts(parts),
	}, nil
}

// Clone returns a deep copy of the artifact.
func (a Artifact) Clone() Artifact { return a.clone() }

func (a Artifact) clone() Artifact {
	a.Parts = cloneParts(a.Parts)
	a.Metadata = cloneMetadata(a.Metadata)
	a.Extensions = append([]string(nil), a.Extensions...)
	return a
}

func cloneArtifacts(arts []Artifact) []Artifact {
	if arts == nil {
		return nil
	}
	c := make([]Artifact, len(arts))
	for i := range arts {
		c[i] = arts[i].clone()
	}
	return c
}
