// Package directory is the single source of truth for who is online and who is
// in which channel. Users are keyed by an immutable id, so a rename only
// touches the name index.
package directory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNameInUse         = errors.New("name in use")
	ErrAlreadyRegistered = errors.New("connection already has a user")
	ErrNoSuchUser        = errors.New("no such user")
	ErrNoSuchChannel     = errors.New("no such channel")
	ErrNotMember         = errors.New("not a member of channel")
)

// User is the identity bound to one connection. Fields are snapshots; the
// directory owns the live record.
type User struct {
	ID       uuid.UUID
	ConnID   uint64
	Name     string
	Host     string
	JoinedAt time.Time
	LastSeen time.Time
}

type channel struct {
	name    string
	members map[uuid.UUID]struct{}
}

// Directory maps connections to users and channels to members.
// All methods are safe for concurrent use; every multi-map change is atomic.
type Directory struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]*User
	byConn   map[uint64]uuid.UUID
	byName   map[string]uuid.UUID
	channels map[string]*channel
	now      func() time.Time
}

func New() *Directory {
	return &Directory{
		users:    make(map[uuid.UUID]*User),
		byConn:   make(map[uint64]uuid.UUID),
		byName:   make(map[string]uuid.UUID),
		channels: make(map[string]*channel),
		now:      time.Now,
	}
}

// Register binds a new user with name to connID. Names are case-sensitive.
func (d *Directory) Register(connID uint64, name, host string) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byConn[connID]; ok {
		return User{}, ErrAlreadyRegistered
	}
	if _, ok := d.byName[name]; ok {
		return User{}, ErrNameInUse
	}

	now := d.now()
	u := &User{
		ID:       uuid.New(),
		ConnID:   connID,
		Name:     name,
		Host:     host,
		JoinedAt: now,
		LastSeen: now,
	}
	d.users[u.ID] = u
	d.byConn[connID] = u.ID
	d.byName[name] = u.ID
	return *u, nil
}

// Rename changes the name of the user bound to connID and returns the old name.
// Channel memberships are untouched because they are keyed by user id.
func (d *Directory) Rename(connID uint64, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.userByConnLocked(connID)
	if !ok {
		return "", ErrNoSuchUser
	}
	if u.Name == name {
		return name, nil
	}
	if _, taken := d.byName[name]; taken {
		return "", ErrNameInUse
	}

	previous := u.Name
	delete(d.byName, previous)
	d.byName[name] = u.ID
	u.Name = name
	return previous, nil
}

// Removal describes what disconnecting a user changed
type Removal struct {
	User User
	// Emptied are channels deleted because the user was their last member
	Emptied []string
	// Left maps every other channel the user was in to its remaining member names
	Left map[string][]string
}

// Remove drops the user bound to connID from every channel and the directory
func (d *Directory) Remove(connID uint64) (Removal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.userByConnLocked(connID)
	if !ok {
		return Removal{}, false
	}

	r := Removal{User: *u, Left: make(map[string][]string)}
	for _, name := range d.sortedChannelNamesLocked() {
		ch := d.channels[name]
		if _, member := ch.members[u.ID]; !member {
			continue
		}
		delete(ch.members, u.ID)
		if len(ch.members) == 0 {
			delete(d.channels, name)
			r.Emptied = append(r.Emptied, name)
			continue
		}
		r.Left[name] = d.memberNamesLocked(ch)
	}

	delete(d.users, u.ID)
	delete(d.byConn, connID)
	delete(d.byName, u.Name)
	return r, true
}

// JoinResult describes what a join changed
type JoinResult struct {
	// Created is set when the channel did not exist before
	Created bool
	// Already is set when the user was already a member (nothing changed)
	Already bool
	// Others are the members other than the joiner, before the join
	Others []User
}

// Join adds the user bound to connID to a channel, creating it if needed
func (d *Directory) Join(connID uint64, name string) (JoinResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.userByConnLocked(connID)
	if !ok {
		return JoinResult{}, ErrNoSuchUser
	}

	var res JoinResult
	ch, exists := d.channels[name]
	if !exists {
		ch = &channel{name: name, members: make(map[uuid.UUID]struct{})}
		d.channels[name] = ch
		res.Created = true
	}
	if _, member := ch.members[u.ID]; member {
		res.Already = true
		return res, nil
	}

	res.Others = d.membersLocked(ch)
	ch.members[u.ID] = struct{}{}
	return res, nil
}

// PartResult describes what a part changed
type PartResult struct {
	// Removed is set when the channel was deleted because it became empty
	Removed bool
	// Remaining are the members left after the part
	Remaining []User
}

// Part removes the user bound to connID from a channel, deleting it when empty
func (d *Directory) Part(connID uint64, name string) (PartResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.userByConnLocked(connID)
	if !ok {
		return PartResult{}, ErrNoSuchUser
	}
	ch, exists := d.channels[name]
	if !exists {
		return PartResult{}, ErrNoSuchChannel
	}
	if _, member := ch.members[u.ID]; !member {
		return PartResult{}, ErrNotMember
	}

	delete(ch.members, u.ID)
	if len(ch.members) == 0 {
		delete(d.channels, name)
		return PartResult{Removed: true}, nil
	}
	return PartResult{Remaining: d.membersLocked(ch)}, nil
}

// UserByConn returns the user bound to connID
func (d *Directory) UserByConn(connID uint64) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.userByConnLocked(connID)
	if !ok {
		return User{}, false
	}
	return *u, true
}

// UserByName returns the user currently holding name
func (d *Directory) UserByName(name string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byName[name]
	if !ok {
		return User{}, false
	}
	return *d.users[id], true
}

// Users returns every online user, sorted by name
func (d *Directory) Users() []User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	users := make([]User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users
}

// Names returns every online user name, sorted
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.byName))
	for name := range d.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Channels returns every existing channel name, sorted
func (d *Directory) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedChannelNamesLocked()
}

// Members returns the members of a channel, sorted by name
func (d *Directory) Members(name string) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[name]
	if !ok {
		return nil, ErrNoSuchChannel
	}
	return d.membersLocked(ch), nil
}

// IsMember reports whether the user bound to connID is in a channel
func (d *Directory) IsMember(connID uint64, name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.userByConnLocked(connID)
	if !ok {
		return false
	}
	ch, ok := d.channels[name]
	if !ok {
		return false
	}
	_, member := ch.members[u.ID]
	return member
}

// Touch records activity for the user bound to connID
func (d *Directory) Touch(connID uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.userByConnLocked(connID)
	if !ok {
		return false
	}
	u.LastSeen = d.now()
	return true
}

// Stale returns users whose last activity is before cutoff
func (d *Directory) Stale(cutoff time.Time) []User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var stale []User
	for _, u := range d.users {
		if u.LastSeen.Before(cutoff) {
			stale = append(stale, *u)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Name < stale[j].Name })
	return stale
}

// Count returns the number of online users
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

func (d *Directory) userByConnLocked(connID uint64) (*User, bool) {
	id, ok := d.byConn[connID]
	if !ok {
		return nil, false
	}
	return d.users[id], true
}

func (d *Directory) membersLocked(ch *channel) []User {
	members := make([]User, 0, len(ch.members))
	for id := range ch.members {
		members = append(members, *d.users[id])
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members
}

func (d *Directory) memberNamesLocked(ch *channel) []string {
	names := make([]string, 0, len(ch.members))
	for id := range ch.members {
		names = append(names, d.users[id].Name)
	}
	sort.Strings(names)
	return names
}

func (d *Directory) sortedChannelNamesLocked() []string {
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
