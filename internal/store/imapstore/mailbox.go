package imapstore

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
)

func listMailboxes(cl *client.Client, pattern string) ([]string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- cl.List("", pattern, mailboxes)
	}()

	var names []string
	for info := range mailboxes {
		names = append(names, info.Name)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("list %s: %w", pattern, err)
	}
	return names, nil
}

func mailboxExists(cl *client.Client, name string) (bool, error) {
	names, err := listMailboxes(cl, name)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, name), nil
}

func ensureMailbox(cl *client.Client, name string) error {
	ok, err := mailboxExists(cl, name)
	if err != nil || ok {
		return err
	}
	if err := cl.Create(name); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	return nil
}

// findByHeader returns the uids in the selected mailbox whose header equals
// value. Servers match header searches by substring, so hits are re-checked.
func findByHeader(cl *client.Client, header, value string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add(header, value)
	uids, err := cl.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", header, err)
	}
	envs, err := fetchEnvelopes(cl, uids)
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, e := range envs {
		if e.env.GetHeader(header) == value {
			out = append(out, e.uid)
		}
	}
	return out, nil
}

type fetched struct {
	uid   uint32
	flags []string
	env   *enmime.Envelope
}

// fetchEnvelopes fetches and parses whole messages of the selected mailbox,
// ordered by uid.
func fetchEnvelopes(cl *client.Client, uids []uint32) ([]fetched, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchFlags, imap.FetchUid}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- cl.UidFetch(seqSet, items, messages)
	}()

	var (
		out      []fetched
		parseErr error
	)
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		env, err := enmime.ReadEnvelope(body)
		if err != nil {
			if parseErr == nil {
				parseErr = fmt.Errorf("parse uid %d: %w", msg.Uid, err)
			}
			continue
		}
		out = append(out, fetched{uid: msg.Uid, flags: msg.Flags, env: env})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	slices.SortFunc(out, func(a, b fetched) int { return cmp.Compare(a.uid, b.uid) })
	return out, nil
}

func deleteUIDs(cl *client.Client, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := cl.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("flag deleted: %w", err)
	}
	if err := cl.Expunge(nil); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}
