package domain

import "time"

// Label is one normalized detection.
type Label struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Parents    []string `json:"parents"`
}

// BlobRecord is the persisted recognition state of one uploaded blob.
type BlobRecord struct {
	BlobID      string
	CallbackURL string
	Status      Status
	Labels      []Label
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RawParent is a parent entry of a raw detection.
type RawParent struct {
	Name string `json:"Name"`
}

// RawLabel is a single detection as returned by the detection service.
type RawLabel struct {
	Name       string      `json:"Name"`
	Confidence float64     `json:"Confidence"`
	Parents    []RawParent `json:"Parents"`
}

// RawDetection is the unnormalized detection service output.
type RawDetection struct {
	Labels []RawLabel `json:"Labels"`
}

// NormalizeLabels maps raw detections into labels. Missing names and parents
// become empty values; the result is never nil.
func NormalizeLabels(raw RawDetection) []Label {
	labels := make([]Label, 0, len(raw.Labels))
	for _, item := range raw.Labels {
		parents := make([]string, 0, len(item.Parents))
		for _, parent := range item.Parents {
			parents = append(parents, parent.Name)
		}
		labels = append(labels, Label{
			Label:      item.Name,
			Confidence: item.Confidence,
			Parents:    parents,
		})
	}
	return labels
}
