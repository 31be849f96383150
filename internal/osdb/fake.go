package osdb

import (
	"context"
	"slices"
	"sync"
)

// Fake is an in-memory Database for tests.
type Fake struct {
	mu       sync.Mutex
	accounts map[string]*Account
	groups   map[string]*Group
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		accounts: make(map[string]*Account),
		groups:   make(map[string]*Group),
	}
}

// AddAccount adds or replaces an account.
func (f *Fake) AddAccount(a Account) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[a.Username] = &a
	return f
}

// RemoveAccount deletes an account.
func (f *Fake) RemoveAccount(username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, username)
}

// AddGroup adds or replaces a group.
func (f *Fake) AddGroup(g Group) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	g.Members = append([]string(nil), g.Members...)
	f.groups[g.Name] = &g
	return f
}

// LookupAccount implements Database.
func (f *Fake) LookupAccount(_ context.Context, username string) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// LookupAccountID implements Database.
func (f *Fake) LookupAccountID(_ context.Context, uid uint32) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.UID == uid {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// LookupGroup implements Database.
func (f *Fake) LookupGroup(_ context.Context, name string) (*Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	cp.Members = append([]string(nil), g.Members...)
	return &cp, nil
}

// AccountGroups implements Database.
func (f *Fake) AccountGroups(_ context.Context, username string) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[username]
	if !ok {
		return nil, ErrNotFound
	}
	gids := []uint32{a.GID}
	for _, g := range f.groups {
		if slices.Contains(g.Members, username) && !slices.Contains(gids, g.GID) {
			gids = append(gids, g.GID)
		}
	}
	slices.Sort(gids)
	return gids, nil
}
