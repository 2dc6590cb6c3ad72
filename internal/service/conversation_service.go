package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"chatcore/internal/domain"
)

// ConversationService owns conversations, membership, roles and the
// last-activity pointers.
type ConversationService struct {
	conversations domain.ConversationRepository
	participants  domain.ParticipantRepository
	messages      domain.MessageRepository
	presence      Publisher
	locks         *LockArena
	now           func() time.Time

	MaxGroupParticipants int
}

func NewConversationService(
	conversations domain.ConversationRepository,
	participants domain.ParticipantRepository,
	messages domain.MessageRepository,
	presence Publisher,
	locks *LockArena,
	maxGroupParticipants int,
) *ConversationService {
	if presence == nil {
		presence = nopPublisher{}
	}
	return &ConversationService{
		conversations:        conversations,
		participants:         participants,
		messages:             messages,
		presence:             presence,
		locks:                locks,
		now:                  func() time.Time { return time.Now().UTC() },
		MaxGroupParticipants: maxGroupParticipants,
	}
}

type ConversationCreateInput struct {
	Kind           domain.ConversationKind
	Name           *string
	ParticipantIDs []string
}

// CreateConversation creates a direct or group conversation. Direct
// conversations are unique per participant pair: a second call returns the
// existing one.
func (s *ConversationService) CreateConversation(
	ctx context.Context,
	in ConversationCreateInput,
	creatorID string,
) (*domain.Conversation, error) {
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown conversation kind %q", domain.ErrInvalidInput, in.Kind)
	}
	if len(in.ParticipantIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one participant is required", domain.ErrInvalidParticipants)
	}

	seen := make(map[string]struct{}, len(in.ParticipantIDs))
	for _, id := range in.ParticipantIDs {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: empty participant id", domain.ErrInvalidParticipants)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate participant %s", domain.ErrInvalidParticipants, id)
		}
		seen[id] = struct{}{}
	}
	// The creator must be a member so a group starts with one admin.
	if _, ok := seen[creatorID]; !ok {
		return nil, fmt.Errorf("%w: creator must be a participant", domain.ErrInvalidParticipants)
	}

	switch in.Kind {
	case domain.KindDirect:
		if len(in.ParticipantIDs) != 2 {
			return nil, fmt.Errorf("%w: direct conversations have exactly two participants", domain.ErrInvalidParticipants)
		}
		return s.createDirect(ctx, in.ParticipantIDs, creatorID)
	default:
		if s.MaxGroupParticipants > 0 && len(in.ParticipantIDs) > s.MaxGroupParticipants {
			return nil, fmt.Errorf("%w: group limit is %d participants", domain.ErrInvalidParticipants, s.MaxGroupParticipants)
		}
		return s.createGroup(ctx, in, creatorID)
	}
}

func directKey(ids []string) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return strings.Join(sorted, "|")
}

func (s *ConversationService) createDirect(ctx context.Context, ids []string, creatorID string) (*domain.Conversation, error) {
	key := directKey(ids)

	l := s.locks.get("direct:" + key)
	l.memberMu.Lock()
	defer l.memberMu.Unlock()

	existing, err := s.conversations.FindByDirectKey(ctx, key)
	if err == nil {
		return s.hydrate(ctx, existing)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("find existing direct: %w", err)
	}

	now := s.now()
	conv := &domain.Conversation{
		ID:             newID(),
		Kind:           domain.KindDirect,
		CreatedBy:      creatorID,
		DirectKey:      &key,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	members := make([]*domain.Participant, 0, 2)
	for _, id := range ids {
		members = append(members, &domain.Participant{
			ConversationID: conv.ID,
			UserID:         id,
			Role:           domain.RoleMember,
			JoinedAt:       now,
		})
	}

	if err := s.conversations.Create(ctx, conv, members); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Another process won the race; return its conversation.
			existing, ferr := s.conversations.FindByDirectKey(ctx, key)
			if ferr != nil {
				return nil, fmt.Errorf("find existing direct: %w", ferr)
			}
			return s.hydrate(ctx, existing)
		}
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return s.hydrate(ctx, conv)
}

func (s *ConversationService) createGroup(ctx context.Context, in ConversationCreateInput, creatorID string) (*domain.Conversation, error) {
	now := s.now()
	conv := &domain.Conversation{
		ID:             newID(),
		Kind:           domain.KindGroup,
		Name:           in.Name,
		CreatedBy:      creatorID,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	members := make([]*domain.Participant, 0, len(in.ParticipantIDs))
	for _, id := range in.ParticipantIDs {
		role := domain.RoleMember
		if id == creatorID {
			role = domain.RoleAdmin
		}
		members = append(members, &domain.Participant{
			ConversationID: conv.ID,
			UserID:         id,
			Role:           role,
			JoinedAt:       now,
		})
	}
	if err := s.conversations.Create(ctx, conv, members); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return s.hydrate(ctx, conv)
}

// hydrate fills the active participant and admin id lists.
func (s *ConversationService) hydrate(ctx context.Context, c *domain.Conversation) (*domain.Conversation, error) {
	members, err := s.participants.List(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	c.ParticipantIDs = []string{}
	c.AdminIDs = []string{}
	for _, p := range members {
		if !p.Active() {
			continue
		}
		c.ParticipantIDs = append(c.ParticipantIDs, p.UserID)
		if c.Kind == domain.KindGroup && p.Role == domain.RoleAdmin {
			c.AdminIDs = append(c.AdminIDs, p.UserID)
		}
	}
	return c, nil
}

// GetConversation returns the conversation if userID is, or was, a participant.
func (s *ConversationService) GetConversation(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.member(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.hydrate(ctx, conv)
}

func (s *ConversationService) ListForUser(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	convs, err := s.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		if _, err := s.hydrate(ctx, c); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

func (s *ConversationService) ListParticipants(ctx context.Context, conversationID, requesterID string) ([]*domain.Participant, error) {
	if _, err := s.member(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}
	return s.participants.List(ctx, conversationID)
}

// ActiveParticipantIDs returns the user ids of participants that have not left.
func (s *ConversationService) ActiveParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	members, err := s.participants.List(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, p := range members {
		if p.Active() {
			ids = append(ids, p.UserID)
		}
	}
	return ids, nil
}

// AddParticipant adds userID to a group. Only an admin or the creator may add.
func (s *ConversationService) AddParticipant(ctx context.Context, conversationID, userID, addedBy string) error {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}

	l := s.locks.get(conversationID)
	l.memberMu.Lock()
	defer l.memberMu.Unlock()

	adder, err := s.RequireActive(ctx, conversationID, addedBy)
	if err != nil {
		return err
	}
	if conv.Kind == domain.KindDirect {
		return fmt.Errorf("%w: cannot add participants to a direct conversation", domain.ErrInvalidParticipants)
	}
	if adder.Role != domain.RoleAdmin && conv.CreatedBy != addedBy {
		return domain.ErrPermissionDenied
	}

	existing, err := s.participants.Get(ctx, conversationID, userID)
	switch {
	case err == nil && existing.Active():
		return nil
	case err == nil:
		// left_at is immutable, so a departed member cannot be re-added.
		return fmt.Errorf("%w: user %s has left this conversation", domain.ErrInvalidParticipants, userID)
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("get participant: %w", err)
	}

	if s.MaxGroupParticipants > 0 {
		active, err := s.ActiveParticipantIDs(ctx, conversationID)
		if err != nil {
			return err
		}
		if len(active) >= s.MaxGroupParticipants {
			return fmt.Errorf("%w: group limit is %d participants", domain.ErrInvalidParticipants, s.MaxGroupParticipants)
		}
	}

	err = s.participants.Add(ctx, &domain.Participant{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           domain.RoleMember,
		JoinedAt:       s.now(),
	})
	if errors.Is(err, domain.ErrConflict) {
		return nil
	}
	return err
}

// RemoveParticipant sets left_at for userID. Admins may remove anyone in a
// group; everyone may remove themself.
func (s *ConversationService) RemoveParticipant(ctx context.Context, conversationID, userID, removedBy string) error {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}

	l := s.locks.get(conversationID)
	l.memberMu.Lock()
	defer l.memberMu.Unlock()

	if removedBy != userID {
		remover, err := s.RequireActive(ctx, conversationID, removedBy)
		if err != nil {
			return err
		}
		if conv.Kind != domain.KindGroup || remover.Role != domain.RoleAdmin {
			return domain.ErrPermissionDenied
		}
	}

	target, err := s.member(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !target.Active() {
		return nil
	}

	if err := s.participants.MarkLeft(ctx, conversationID, userID, s.now()); err != nil {
		return fmt.Errorf("mark left: %w", err)
	}
	s.presence.Evict(conversationID, userID)

	if conv.Kind == domain.KindGroup && target.Role == domain.RoleAdmin {
		return s.ensureAdmin(ctx, conversationID)
	}
	return nil
}

// ensureAdmin promotes the earliest-joined active member when no active
// admin is left. Caller holds memberMu.
func (s *ConversationService) ensureAdmin(ctx context.Context, conversationID string) error {
	members, err := s.participants.List(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	var candidate *domain.Participant
	for _, p := range members {
		if !p.Active() {
			continue
		}
		if p.Role == domain.RoleAdmin {
			return nil
		}
		if candidate == nil {
			candidate = p
		}
	}
	if candidate == nil {
		return nil
	}
	log.Printf("conversation %s: promoting %s to admin", conversationID, candidate.UserID)
	return s.participants.SetRole(ctx, conversationID, candidate.UserID, domain.RoleAdmin)
}

// SetRole changes a group member's role. At least one active admin remains.
func (s *ConversationService) SetRole(ctx context.Context, conversationID, userID string, role domain.Role, by string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", domain.ErrInvalidInput, role)
	}
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Kind != domain.KindGroup {
		return fmt.Errorf("%w: roles only apply to group conversations", domain.ErrInvalidInput)
	}

	l := s.locks.get(conversationID)
	l.memberMu.Lock()
	defer l.memberMu.Unlock()

	actor, err := s.RequireActive(ctx, conversationID, by)
	if err != nil {
		return err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.ErrPermissionDenied
	}
	target, err := s.RequireActive(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if target.Role == role {
		return nil
	}

	if role == domain.RoleMember {
		members, err := s.participants.List(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		admins := 0
		for _, p := range members {
			if p.Active() && p.Role == domain.RoleAdmin {
				admins++
			}
		}
		if admins <= 1 {
			return fmt.Errorf("%w: a group needs at least one admin", domain.ErrInvalidInput)
		}
	}
	return s.participants.SetRole(ctx, conversationID, userID, role)
}

// SetArchived and SetMuted are conversation-level flags any active
// participant may toggle.
func (s *ConversationService) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	if _, err := s.RequireActive(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.conversations.SetFlags(ctx, conversationID, &archived, nil)
}

func (s *ConversationService) SetMuted(ctx context.Context, conversationID, userID string, muted bool) error {
	if _, err := s.RequireActive(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.conversations.SetFlags(ctx, conversationID, nil, &muted)
}

// TouchActivity records a new message. The pointer never moves back to an
// older sequence even if calls arrive out of order.
func (s *ConversationService) TouchActivity(ctx context.Context, conversationID, messageID string, seq int64, at time.Time) error {
	return s.conversations.TouchActivity(ctx, conversationID, messageID, seq, at)
}

// UnreadCount counts messages past the user's read cursor not sent by them.
func (s *ConversationService) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	p, err := s.member(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return s.messages.CountUnread(ctx, conversationID, userID, p.LastReadSeq)
}

// RequireActive returns the participant or ErrNotAParticipant if userID never
// joined or has left.
func (s *ConversationService) RequireActive(ctx context.Context, conversationID, userID string) (*domain.Participant, error) {
	p, err := s.member(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, domain.ErrNotAParticipant
	}
	return p, nil
}

// member returns the participant record, active or not.
func (s *ConversationService) member(ctx context.Context, conversationID, userID string) (*domain.Participant, error) {
	p, err := s.participants.Get(ctx, conversationID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNotAParticipant
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}
