package axis

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Member is an in-process axis that can be grouped on a Bus.
type Member interface {
	Name() string
	// PrepareSetup arms the member for a sample load.
	PrepareSetup()
	// Begin starts playback of the loaded samples at the given instant.
	Begin(at time.Time)
}

// Bus groups in-process axes so one of them can set up and start the whole
// group, the way a controller broadcasts to a hardware group.
type Bus struct {
	mu     sync.Mutex
	groups map[byte]map[string]Member
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{groups: make(map[byte]map[string]Member)}
}

// Join adds m to group. Joining twice is a no-op.
func (b *Bus) Join(group byte, m Member) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[group]
	if !ok {
		g = make(map[string]Member)
		b.groups[group] = g
	}
	g[m.Name()] = m
}

// Leave removes the named member from group.
func (b *Bus) Leave(group byte, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.groups[group]; ok {
		delete(g, name)
		if len(g) == 0 {
			delete(b.groups, group)
		}
	}
}

// Members returns the sorted member names of group.
func (b *Bus) Members(group byte) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.groups[group]))
	for name := range b.groups[group] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Setup arms every member of group.
func (b *Bus) Setup(group byte) error {
	members, err := b.snapshot(group)
	if err != nil {
		return err
	}
	for _, m := range members {
		m.PrepareSetup()
	}
	return nil
}

// Start begins playback on every member of group at one shared instant.
func (b *Bus) Start(group byte) error {
	members, err := b.snapshot(group)
	if err != nil {
		return err
	}
	at := time.Now()
	for _, m := range members {
		m.Begin(at)
	}
	return nil
}

func (b *Bus) snapshot(group byte) ([]Member, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.groups[group]
	if len(g) == 0 {
		return nil, fmt.Errorf("group %d has no members", group)
	}
	members := make([]Member, 0, len(g))
	for _, m := range g {
		members = append(members, m)
	}
	return members, nil
}
