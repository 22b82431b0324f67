package accounts

import "sync"

const (
	inboxMaxMessages    = 1000
	inboxMaxPerAccount  = 100
	inboxDefaultListing = 50
)

type inboxItem struct {
	AccountID string
	Message   InboundMessage
}

// Inbox keeps recent inbound messages in memory, newest first.
type Inbox struct {
	mu        sync.RWMutex
	messages  []inboxItem
	byAccount map[string][]InboundMessage
}

func NewInbox() *Inbox {
	return &Inbox{byAccount: make(map[string][]InboundMessage)}
}

func (r *Inbox) Add(accountID string, msg InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append([]inboxItem{{AccountID: accountID, Message: msg}}, r.messages...)
	if len(r.messages) > inboxMaxMessages {
		r.messages = r.messages[:inboxMaxMessages]
	}

	list := append([]InboundMessage{msg}, r.byAccount[accountID]...)
	if len(list) > inboxMaxPerAccount {
		list = list[:inboxMaxPerAccount]
	}
	r.byAccount[accountID] = list
}

// ForAccount returns up to limit recent messages of one account.
func (r *Inbox) ForAccount(accountID string, limit int) []InboundMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.byAccount[accountID]
	if limit <= 0 {
		limit = inboxDefaultListing
	}
	if limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]InboundMessage, limit)
	copy(out, msgs[:limit])
	return out
}

// Count returns the number of retained messages across all accounts.
func (r *Inbox) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// Forget drops the per-account list of a removed account.
func (r *Inbox) Forget(accountID string) {
	r.mu.Lock()
	delete(r.byAccount, accountID)
	r.mu.Unlock()
}
