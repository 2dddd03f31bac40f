package server

import (
	"context"
	"errors"
	"sort"
	"strings"

	"chatserver/db"
	"chatserver/metrics"
	"chatserver/models"

	"github.com/rs/zerolog/log"
)

type presenceEntry struct {
	userID   int64
	username string
	online   bool
	client   *client
	friends  map[string]struct{}
	groups   map[string]struct{}
}

// presence is the in-memory projection of users, their friends, their group
// memberships and their live connection. It is owned by the server loop and
// must not be touched from any other goroutine.
type presence struct {
	store    Store
	users    map[string]*presenceEntry
	byClient map[*client]string
}

func newPresence(store Store) *presence {
	return &presence{
		store:    store,
		users:    make(map[string]*presenceEntry),
		byClient: make(map[*client]string),
	}
}

// load rebuilds identities and the friend graph from the store.
func (p *presence) load(ctx context.Context) error {
	users, err := p.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		p.addIdentity(u)
	}

	edges, err := p.store.ListFriendships(ctx)
	if err != nil {
		return err
	}
	for _, f := range edges {
		a, okA := p.users[f.UserA]
		b, okB := p.users[f.UserB]
		if !okA || !okB {
			continue
		}
		a.friends[b.username] = struct{}{}
		b.friends[a.username] = struct{}{}
	}

	return nil
}

// addIdentity caches an offline identity. An existing entry is returned as is.
func (p *presence) addIdentity(u models.User) *presenceEntry {
	if e, ok := p.users[u.Username]; ok {
		return e
	}

	e := &presenceEntry{
		userID:   u.ID,
		username: u.Username,
		friends:  make(map[string]struct{}),
		groups:   make(map[string]struct{}),
	}
	p.users[u.Username] = e
	return e
}

func (p *presence) entry(username string) (*presenceEntry, bool) {
	e, ok := p.users[username]
	return e, ok
}

// ensure returns the cached identity, loading it from the store when the
// cache lags behind. Unknown users yield errUserNotFound.
func (p *presence) ensure(ctx context.Context, username string) (*presenceEntry, error) {
	if e, ok := p.users[username]; ok {
		return e, nil
	}

	u, err := p.store.GetUser(ctx, username)
	if errors.Is(err, db.ErrNoRows) {
		return nil, errUserNotFound
	}
	if err != nil {
		return nil, err
	}

	log.Warn().Str("user", username).Msg("presence cache miss, identity loaded from store")
	return p.addIdentity(u), nil
}

// login marks username online on c. Calling it again with the same client is
// a no-op; a different live client is refused.
func (p *presence) login(ctx context.Context, username string, c *client) error {
	e, err := p.ensure(ctx, username)
	if err != nil {
		return err
	}

	if e.online && e.client != nil && e.client != c {
		return errAlreadyLoggedIn
	}

	e.online = true
	e.client = c
	p.byClient[c] = username
	metrics.OnlineUsers.Set(float64(p.onlineCount()))
	return nil
}

// logout clears the online flag and the connection but keeps the identity.
func (p *presence) logout(username string) {
	e, ok := p.users[username]
	if !ok {
		return
	}

	if e.client != nil {
		delete(p.byClient, e.client)
	}
	e.online = false
	e.client = nil
	metrics.OnlineUsers.Set(float64(p.onlineCount()))
}

func (p *presence) resolveConnection(username string) (*client, bool) {
	e, ok := p.users[username]
	if !ok || !e.online || e.client == nil {
		return nil, false
	}
	return e.client, true
}

func (p *presence) resolveUsername(c *client) (string, bool) {
	username, ok := p.byClient[c]
	return username, ok
}

func (p *presence) isOnline(username string) bool {
	e, ok := p.users[username]
	return ok && e.online
}

func (p *presence) onlineCount() int {
	return len(p.byClient)
}

// onlineUsers returns the names of every online user, sorted.
func (p *presence) onlineUsers() []string {
	names := make([]string, 0, len(p.byClient))
	for _, username := range p.byClient {
		names = append(names, username)
	}
	sort.Strings(names)
	return names
}

// search does a case-insensitive substring match over usernames.
func (p *presence) search(query, exclude string, limit int) []string {
	query = strings.ToLower(query)

	var found []string
	for username := range p.users {
		if username == exclude {
			continue
		}
		if strings.Contains(strings.ToLower(username), query) {
			found = append(found, username)
		}
	}
	sort.Strings(found)

	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	return found
}
