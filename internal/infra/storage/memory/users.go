package memory

import (
	"context"
	"sync"

	domainuser "homematch/internal/domain/user"
)

// UserRepository stores identities in memory. Dev mode and tests only; in
// production the accounts database backs lookups.
type UserRepository struct {
	mu   sync.RWMutex
	byID map[domainuser.ID]*domainuser.User
}

func NewUserRepository() *UserRepository {
	return &UserRepository{byID: make(map[domainuser.ID]*domainuser.User)}
}

func (r *UserRepository) ByID(ctx context.Context, id domainuser.ID) (*domainuser.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	usr, ok := r.byID[id]
	if !ok {
		return nil, domainuser.ErrNotFound
	}
	clone := *usr
	return &clone, nil
}

// Put seeds or replaces a user record.
func (r *UserRepository) Put(usr domainuser.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[usr.ID] = &usr
}

var _ domainuser.Repository = (*UserRepository)(nil)
