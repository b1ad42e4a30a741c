package groupcache

import (
	"time"

	"github.com/switchyard-chat/switchyard/internal/jid"
	"github.com/switchyard-chat/switchyard/pkg/protocol"
)

// Participant is a group member and whether they hold an admin role.
type Participant struct {
	ID      string `json:"id"`
	IsAdmin bool   `json:"is_admin"`
}

// Entry is the compact projection of a group kept in the cache. It never
// carries the raw metadata payload.
type Entry struct {
	ID           string        `json:"id"`
	Subject      string        `json:"subject"`
	Description  string        `json:"description,omitempty"`
	Owner        string        `json:"owner,omitempty"`
	Participants []Participant `json:"participants"`
	Size         int           `json:"size"`
	SelfIsAdmin  bool          `json:"self_is_admin"`
	Announce     bool          `json:"announce,omitempty"`
	Restrict     bool          `json:"restrict,omitempty"`
	JoinApproval bool          `json:"join_approval,omitempty"`
	MemberAdd    bool          `json:"member_add,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
	FetchedAt    time.Time     `json:"fetched_at,omitempty"`
	Bytes        int           `json:"bytes"`
}

// Admins returns the ids of participants with an admin role.
func (e Entry) Admins() []string {
	var out []string
	for _, p := range e.Participants {
		if p.IsAdmin {
			out = append(out, p.ID)
		}
	}
	return out
}

// HasParticipant reports whether id is a member, ignoring device suffixes.
func (e Entry) HasParticipant(id string) bool {
	for _, p := range e.Participants {
		if jid.SameUser(p.ID, id) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether id holds an admin role.
func (e Entry) IsAdmin(id string) bool {
	for _, p := range e.Participants {
		if p.IsAdmin && jid.SameUser(p.ID, id) {
			return true
		}
	}
	return false
}

func (e Entry) clone() Entry {
	e.Participants = append([]Participant(nil), e.Participants...)
	return e
}

// Partial is a metadata change. Nil fields are left untouched; Participants
// are merged by id.
type Partial struct {
	Subject      *string
	Description  *string
	Owner        *string
	Announce     *bool
	Restrict     *bool
	JoinApproval *bool
	MemberAdd    *bool
	Participants []Participant
}

// PartialFromUpdate converts a bridge group update.
func PartialFromUpdate(u protocol.GroupUpdate) Partial {
	p := Partial{
		Subject:      u.Subject,
		Description:  u.Desc,
		Owner:        u.Owner,
		Announce:     u.Announce,
		Restrict:     u.Restrict,
		JoinApproval: u.JoinApproval,
		MemberAdd:    u.MemberAdd,
	}
	if u.Participants != nil {
		p.Participants = normalizeParticipants(u.Participants)
	}
	return p
}

// normalize projects raw metadata onto an Entry.
func normalize(raw protocol.GroupMetadata, id string, now time.Time) Entry {
	if raw.ID != "" {
		id = raw.ID
	}
	e := Entry{
		ID:           id,
		Subject:      raw.Subject,
		Description:  raw.Desc,
		Owner:        jid.Normalize(raw.Owner),
		Participants: normalizeParticipants(raw.Participants),
		Announce:     raw.Announce,
		Restrict:     raw.Restrict,
		JoinApproval: raw.JoinApproval,
		MemberAdd:    raw.MemberAdd,
		UpdatedAt:    now,
		FetchedAt:    now,
	}
	if raw.Creation > 0 {
		e.CreatedAt = time.Unix(raw.Creation, 0).UTC()
	}
	e.Size = raw.Size
	if e.Size < len(e.Participants) {
		e.Size = len(e.Participants)
	}
	e.Bytes = approxBytes(e)
	return e
}

// normalizeParticipants drops empty ids and collapses duplicates; the last
// occurrence of an id wins.
func normalizeParticipants(in []protocol.GroupParticipant) []Participant {
	out := make([]Participant, 0, len(in))
	index := make(map[string]int, len(in))
	for _, p := range in {
		if p.ID == "" {
			continue
		}
		np := Participant{ID: p.ID, IsAdmin: p.IsAdmin()}
		if i, ok := index[p.ID]; ok {
			out[i] = np
			continue
		}
		index[p.ID] = len(out)
		out = append(out, np)
	}
	return out
}

// mergeParticipants overlays incoming onto existing by id. Participants absent
// from incoming keep their previous admin flag.
func mergeParticipants(existing, incoming []Participant) []Participant {
	out := append([]Participant(nil), existing...)
	index := make(map[string]int, len(out))
	for i, p := range out {
		index[p.ID] = i
	}
	for _, p := range incoming {
		if p.ID == "" {
			continue
		}
		if i, ok := index[p.ID]; ok {
			out[i] = p
			continue
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	return out
}

const entryOverhead = 96

func approxBytes(e Entry) int {
	n := entryOverhead + len(e.ID) + len(e.Subject) + len(e.Description) + len(e.Owner)
	for _, p := range e.Participants {
		n += len(p.ID) + 8
	}
	return n
}
