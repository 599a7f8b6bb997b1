package keys

import "time"

// Key is a public verification key published in an issuer's JWKS document.
type Key struct {
	ID        string
	Algorithm string
	Use       string
	Public    any
}

// KeySet is an immutable snapshot of the signing keys of one issuer, tagged
// with the issuer value announced by its discovery document.
type KeySet struct {
	Source    string
	Issuer    string
	JWKSURI   string
	FetchedAt time.Time
	ExpiresAt time.Time

	keys   []Key
	byID   map[string]int
	onMiss bool
}

func newKeySet(source, issuer, jwksURI string, keys []Key, fetchedAt time.Time, ttl time.Duration, onMiss bool) *KeySet {
	set := &KeySet{
		Source:    source,
		Issuer:    issuer,
		JWKSURI:   jwksURI,
		FetchedAt: fetchedAt,
		ExpiresAt: fetchedAt.Add(ttl),
		keys:      make([]Key, 0, len(keys)),
		byID:      make(map[string]int, len(keys)),
		onMiss:    onMiss,
	}
	for _, key := range keys {
		if key.ID == "" {
			set.keys = append(set.keys, key)
			continue
		}
		// first occurrence of a kid wins
		if _, dup := set.byID[key.ID]; dup {
			continue
		}
		set.byID[key.ID] = len(set.keys)
		set.keys = append(set.keys, key)
	}
	return set
}

// Lookup returns the key published under kid. An empty kid never matches.
func (s *KeySet) Lookup(kid string) (Key, bool) {
	if s == nil || kid == "" {
		return Key{}, false
	}
	idx, ok := s.byID[kid]
	if !ok {
		return Key{}, false
	}
	return s.keys[idx], true
}

// Keys returns a copy of the keys in publication order.
func (s *KeySet) Keys() []Key {
	if s == nil {
		return nil
	}
	out := make([]Key, len(s.keys))
	copy(out, s.keys)
	return out
}

// Len reports the number of keys in the set.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Expired reports whether the snapshot is past its cache lifetime at now.
func (s *KeySet) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !now.Before(s.ExpiresAt)
}

// RefreshedOnMiss reports whether the snapshot was fetched because a token
// referenced a kid missing from the previous snapshot.
func (s *KeySet) RefreshedOnMiss() bool {
	return s != nil && s.onMiss
}
