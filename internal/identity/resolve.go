package identity

import (
	"slices"

	"github.com/matheus3301/chatmirror/internal/archive"
)

// ReplaceIDsWithDisplayNames substitutes every identifier in text with its
// display name. Unknown ids get the placeholder name.
func (r *Registry) ReplaceIDsWithDisplayNames(c archive.Context, text string) string {
	return rewriteIDs(text, func(id, _ string) string {
		return r.GetDisplayName(c, id)
	})
}

// ResolveText substitutes known identifiers and leaves unknown ones as
// {{id}} tokens for a later pass. It returns the ids still unknown, in order
// of first appearance.
func (r *Registry) ResolveText(c archive.Context, text string) (string, []string) {
	var unresolved []string
	out := rewriteIDs(text, func(id, matched string) string {
		if name, ok := r.lookupName(c, id); ok {
			return name
		}
		if !slices.Contains(unresolved, id) {
			unresolved = append(unresolved, id)
		}
		if matched[len(matched)-1] == '}' {
			return matched
		}
		return Token(id)
	})
	return out, unresolved
}

// Observe learns from a freshly fetched message: senders and recipients that
// come with a display name register it as observed at the arrival time, the
// rest are recognized without one.
func (r *Registry) Observe(c archive.Context, m archive.Message) {
	at := m.ArrivalTime
	if at.IsZero() {
		at = r.now()
	}
	for _, p := range slices.Concat(m.From, m.To) {
		if p.ID == "" {
			continue
		}
		if p.DisplayName == "" || p.DisplayName == Placeholder(p.ID) {
			r.Recognize(c, p.ID, nil)
			continue
		}
		name := p.DisplayName
		r.RegisterDisplayName(c, p.ID, &name, &at)
	}
}

// ResolveMessage rewrites the participants and the mutable text fields of m
// with what the registry knows. The returned message has Unresolved set when
// ids remain unknown; those ids are returned too.
func (r *Registry) ResolveMessage(c archive.Context, m archive.Message) (archive.Message, []string) {
	var unresolved []string
	note := func(ids ...string) {
		for _, id := range ids {
			if !slices.Contains(unresolved, id) {
				unresolved = append(unresolved, id)
			}
		}
	}

	resolveRefs := func(refs []archive.Participant) []archive.Participant {
		out := make([]archive.Participant, len(refs))
		for i, p := range refs {
			if name, ok := r.lookupName(c, p.ID); ok {
				out[i] = archive.Participant{ID: p.ID, DisplayName: name, Resolved: true}
				continue
			}
			out[i] = archive.Participant{ID: p.ID, DisplayName: Placeholder(p.ID)}
			note(p.ID)
		}
		return out
	}
	m.From = resolveRefs(m.From)
	m.To = resolveRefs(m.To)

	for _, field := range []*string{&m.Subject, &m.HTMLBody, &m.TextBody} {
		text, ids := r.ResolveText(c, *field)
		*field = text
		note(ids...)
	}
	m.Unresolved = len(unresolved) > 0
	return m, unresolved
}

// Visit is the deferred-resolution visitor: it reports whether m was
// rewritten and which ids are still unknown.
func (r *Registry) Visit(c archive.Context, m archive.Message) (archive.Message, bool, []string) {
	next, unresolved := r.ResolveMessage(c, m)
	changed := next.Subject != m.Subject ||
		next.HTMLBody != m.HTMLBody ||
		next.TextBody != m.TextBody ||
		next.Unresolved != m.Unresolved ||
		!slices.Equal(next.From, m.From) ||
		!slices.Equal(next.To, m.To)
	return next, changed, unresolved
}
