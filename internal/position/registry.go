package position

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownPosition = errors.New("position: unknown key")
	ErrNotOwner        = errors.New("position: caller is not the owner")
)

// Registry stands in for the position NFT collection: it mints tokens,
// hands out their keys and answers ownership questions.
type Registry struct {
	mu         sync.RWMutex
	collection string
	nextID     uint64
	owners     map[Key]string
	tokens     map[Key]uint64
}

func NewRegistry(collection string) *Registry {
	return &Registry{
		collection: collection,
		nextID:     1,
		owners:     make(map[Key]string),
		tokens:     make(map[Key]uint64),
	}
}

// Mint issues the next token id to owner and returns its key.
func (r *Registry) Mint(owner string) (Key, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	key := DeriveKey(r.collection, id)
	r.owners[key] = owner
	r.tokens[key] = id
	return key, id
}

// KeyOf returns the key for a token id of this collection.
func (r *Registry) KeyOf(tokenID uint64) Key {
	return DeriveKey(r.collection, tokenID)
}

func (r *Registry) OwnerOf(key Key) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPosition, key.Short())
	}
	return owner, nil
}

// RequireOwner fails unless caller owns the position.
func (r *Registry) RequireOwner(key Key, caller string) error {
	owner, err := r.OwnerOf(key)
	if err != nil {
		return err
	}
	if owner != caller {
		return fmt.Errorf("%w: %s owned by %s, caller %s", ErrNotOwner, key.Short(), owner, caller)
	}
	return nil
}

// Transfer moves the token to a new owner. The key does not change.
func (r *Registry) Transfer(key Key, from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, key.Short())
	}
	if owner != from {
		return fmt.Errorf("%w: %s owned by %s, caller %s", ErrNotOwner, key.Short(), owner, from)
	}
	r.owners[key] = to
	return nil
}
