package domain

import "time"

type ArtifactKind string

const (
	ArtifactKindOriginal  ArtifactKind = "original"
	ArtifactKindProcessed ArtifactKind = "processed"
)

const ContentTypePNG = "image/png"

// Artifact is a stored image. It is immutable once written and goes away only
// through an explicit delete or a scheduled expiry.
type Artifact struct {
	Kind        ArtifactKind `json:"kind"`
	Path        string       `json:"path"`
	DerivedFrom string       `json:"derived_from,omitempty"`
	Derivative  string       `json:"derivative,omitempty"`
	Bytes       int          `json:"bytes"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Paths returns the artifact path followed by the other half of its pair, if
// known. Deleting these paths removes the pair whichever half is named.
func (a Artifact) Paths() []string {
	paths := []string{a.Path}
	for _, p := range []string{a.DerivedFrom, a.Derivative} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

type Result struct {
	RequestID         string
	Original          Artifact
	Processed         Artifact
	Reference         string
	OriginalReference string
	Width             int
	Height            int
}

func (r Result) OriginalPath() string {
	return r.Original.Path
}

func (r Result) ProcessedPath() string {
	return r.Processed.Path
}
