package brokercore

import "sync"

// User is the authentication principal record (spec.md §3). Owned by the
// User table; key = username.
type User struct {
	Username     string
	PasswordHash string
	IsSuperuser  bool
}

// UserRegistry is a concurrent-safe map[username]*User, populated at
// bootstrap (spec.md §4.8) and kept current by User Add/Delete Apply
// events. Entries are copied out on read (cheap clone, spec.md §9
// "Ownership").
type UserRegistry struct {
	mu     sync.RWMutex
	byName map[string]User
}

func NewUserRegistry() *UserRegistry {
	return &UserRegistry{byName: make(map[string]User)}
}

// Upsert inserts or replaces a user record (User/Add).
func (r *UserRegistry) Upsert(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[u.Username] = u
}

// Get returns a copy of the user record, if present.
func (r *UserRegistry) Get(username string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byName[username]
	return u, ok
}

// Delete removes a user by username (User/Delete).
func (r *UserRegistry) Delete(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, username)
}

func (r *UserRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
