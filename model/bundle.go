package model

import "encoding/json"

// Bundle is a FHIR Bundle carrying a patient's record set between regions.
// Resources are kept as raw JSON; validating them is the inbound service's job.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        int           `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// NextLink returns the url of the following page of a paged search result, or "".
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// NewCollectionBundle wraps entries in the bundle type sent to a destination.
func NewCollectionBundle(entries []BundleEntry) *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "collection",
		Total:        len(entries),
		Entry:        entries,
	}
}

// Extension is a FHIR extension element.
type Extension struct {
	URL         string      `json:"url"`
	ValueString string      `json:"valueString,omitempty"`
	Extension   []Extension `json:"extension,omitempty"`
}

// SubExtension returns the value of the nested extension named url.
func (e Extension) SubExtension(url string) string {
	for _, sub := range e.Extension {
		if sub.URL == url {
			return sub.ValueString
		}
	}
	return ""
}
