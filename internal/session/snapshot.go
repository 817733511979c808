package session

import (
	"github.com/noah-isme/backend-paysync/internal/ledyer"
)

// Snapshot is the locally cached view of a provider session plus the metadata
// needed to decide whether it is still current.
type Snapshot struct {
	Remote      *ledyer.Session          `json:"remote"`
	Fingerprint string                   `json:"fingerprint"`
	Country     string                   `json:"country"`
	Reference   string                   `json:"reference"`
	Categories  []ledyer.PaymentCategory `json:"categories,omitempty"`
}

// SessionID returns the cached remote session id, if any.
func (s *Snapshot) SessionID() string {
	if s == nil || s.Remote == nil {
		return ""
	}
	return s.Remote.ID
}

// merge folds a fresh provider response into the snapshot. Update responses
// omit configuration, so previously captured categories survive.
func (s *Snapshot) merge(remote ledyer.Session) {
	if remote.ID == "" && s.Remote != nil {
		remote.ID = s.Remote.ID
	}
	if cats := remote.Categories(); len(cats) > 0 {
		s.Categories = cats
	}
	s.Remote = &remote
}
