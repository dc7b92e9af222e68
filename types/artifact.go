package types

import "time"

// ArtifactRef is an opaque reference to an artifact payload produced by
// a step. The engine never inspects the payload; it only routes
// references between steps by name.
type ArtifactRef struct {
	Name      string    `json:"name"`
	URI       string    `json:"uri,omitempty"`
	Digest    string    `json:"digest,omitempty"`
	Producer  string    `json:"producer,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ArtifactMap maps artifact names to payload references.
type ArtifactMap map[string]ArtifactRef

// Clone returns a shallow copy of the map.
func (m ArtifactMap) Clone() ArtifactMap {
	if m == nil {
		return nil
	}
	out := make(ArtifactMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Names returns the artifact names present in the map.
func (m ArtifactMap) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	return names
}

// Merge copies all entries from other into m, overwriting duplicates.
func (m ArtifactMap) Merge(other ArtifactMap) {
	for k, v := range other {
		m[k] = v
	}
}

// ScoreVector holds named numeric quality dimensions produced by a
// Scorer collaborator, e.g. {"overall": 82.5, "security": 7.9}.
type ScoreVector map[string]float64

// Clone returns a copy of the score vector.
func (s ScoreVector) Clone() ScoreVector {
	if s == nil {
		return nil
	}
	out := make(ScoreVector, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
