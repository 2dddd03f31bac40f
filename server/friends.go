package server

import (
	"context"

	"github.com/rs/zerolog/log"
)

// friendGraph edits the symmetric friend relation. Both directions are
// written in one store transaction and mirrored in the cache together.
type friendGraph struct {
	store    Store
	presence *presence
}

func (f *friendGraph) add(ctx context.Context, a, b string) error {
	if a == b {
		return errSelfFriend
	}

	ea, eb, err := f.resolvePair(ctx, a, b)
	if err != nil {
		return err
	}

	if err := f.store.AddFriendship(ctx, ea.userID, eb.userID); err != nil {
		return err
	}

	ea.friends[b] = struct{}{}
	eb.friends[a] = struct{}{}
	return nil
}

// remove deletes the relation. A pair that was not connected is treated as
// already removed.
func (f *friendGraph) remove(ctx context.Context, a, b string) error {
	if a == b {
		return errSelfFriend
	}

	ea, eb, err := f.resolvePair(ctx, a, b)
	if err != nil {
		return err
	}

	removed, err := f.store.RemoveFriendship(ctx, ea.userID, eb.userID)
	if err != nil {
		return err
	}
	if removed == 0 {
		log.Debug().Str("user", a).Str("friend", b).Msg("friendship already removed")
	}

	delete(ea.friends, b)
	delete(eb.friends, a)
	return nil
}

func (f *friendGraph) isFriend(a, b string) bool {
	e, ok := f.presence.entry(a)
	if !ok {
		return false
	}
	_, ok = e.friends[b]
	return ok
}

func (f *friendGraph) resolvePair(ctx context.Context, a, b string) (*presenceEntry, *presenceEntry, error) {
	ea, err := f.presence.ensure(ctx, a)
	if err != nil {
		return nil, nil, err
	}
	eb, err := f.presence.ensure(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	return ea, eb, nil
}
