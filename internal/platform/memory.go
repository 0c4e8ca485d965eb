package platform

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Platform. Join simulates a member using a code.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	seq     int
	invites map[string]*memoryInvite
	created int
	deleted []string

	// CreateErr, ListErr and DeleteErr are returned by the matching call when set.
	CreateErr error
	ListErr   error
	DeleteErr error
}

type memoryInvite struct {
	Invite
	channelID string
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, invites: make(map[string]*memoryInvite)}
}

func (m *Memory) CreateInvite(ctx context.Context, channelID string, maxAge time.Duration, maxUses int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	m.seq++
	m.created++
	code := fmt.Sprintf("mem%05d", m.seq)
	m.invites[code] = &memoryInvite{
		Invite:    Invite{Code: code, MaxUses: maxUses, MaxAge: maxAge, CreatedAt: m.now()},
		channelID: channelID,
	}
	return code, nil
}

// ListInvites returns the channel's invites, oldest first.
func (m *Memory) ListInvites(ctx context.Context, channelID string) ([]Invite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []Invite
	for _, inv := range m.invites {
		if inv.channelID == channelID {
			out = append(out, inv.Invite)
		}
	}
	slices.SortFunc(out, func(a, b Invite) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Code, b.Code)
	})
	return out, nil
}

func (m *Memory) DeleteInvite(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	if _, ok := m.invites[code]; !ok {
		return ErrUnknownInvite
	}
	delete(m.invites, code)
	m.deleted = append(m.deleted, code)
	return nil
}

// Join records one use of code. Invites that reach MaxUses disappear from listings.
func (m *Memory) Join(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[code]
	if !ok {
		return false
	}
	inv.Uses++
	if inv.MaxUses > 0 && inv.Uses >= inv.MaxUses {
		delete(m.invites, code)
	}
	return true
}

// AddInvite registers an invite that was not created through CreateInvite,
// such as an organic link a moderator made by hand.
func (m *Memory) AddInvite(channelID string, inv Invite) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invites[inv.Code] = &memoryInvite{Invite: inv, channelID: channelID}
}

// Created reports how many codes CreateInvite has minted.
func (m *Memory) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

func (m *Memory) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.deleted)
}

func (m *Memory) Exists(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.invites[code]
	return ok
}
