package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/sequence"
)

// DefaultUnreadConcurrency bounds the set size lookups UnreadMessages runs
// at once
const DefaultUnreadConcurrency = 8

// MessageBoxService tracks the update sequence (pts) of one user together
// with the unread message ids of each dialog.
//
// IncrementPtsForMessage records the unread id and the dialog before it
// increments pts, so a reader that observes a pts value also observes the
// unread state behind it.
type MessageBoxService struct {
	userID      int64
	seq         *sequence.Services
	concurrency int
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewMessageBoxService returns the message box of userID
func NewMessageBoxService(userID int64, seq *sequence.Services, concurrency int, logger *zap.Logger, m *metrics.Metrics) *MessageBoxService {
	if concurrency <= 0 {
		concurrency = DefaultUnreadConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageBoxService{
		userID:      userID,
		seq:         seq,
		concurrency: concurrency,
		logger:      logger,
		metrics:     m,
	}
}

// UserID returns the owner of the box
func (s *MessageBoxService) UserID() int64 { return s.userID }

func (s *MessageBoxService) observe(op string, start time.Time, err error) {
	s.metrics.RecordMessageBoxOp(op, time.Since(start).Seconds(), err)
	if err != nil {
		s.logger.Error("Message box operation failed",
			zap.String("op", op),
			zap.Int64("user_id", s.userID),
			zap.Error(err))
	}
}

// Pts returns the current update sequence, 0 before the first update
func (s *MessageBoxService) Pts(ctx context.Context) (int32, error) {
	v, err := s.seq.Counter.Get(ctx, PtsName(s.userID))
	return int32(v), err
}

// IncrementPts advances pts for an update that carries no unread message
func (s *MessageBoxService) IncrementPts(ctx context.Context) (pts int32, err error) {
	start := time.Now()
	defer func() { s.observe("increment_pts", start, err) }()

	v, err := s.seq.Counter.IncrementAndGet(ctx, PtsName(s.userID))
	return int32(v), err
}

// IncrementPtsForMessage marks messageID unread in the dialog with peer and
// returns the new pts
func (s *MessageBoxService) IncrementPtsForMessage(ctx context.Context, peer Peer, messageID int32) (pts int32, err error) {
	start := time.Now()
	defer func() { s.observe("increment_pts_for_message", start, err) }()

	if err := peer.validate(); err != nil {
		return 0, err
	}
	unread := UnreadName(s.userID, peer)
	if err := s.seq.OrderedSet.Add(ctx, unread, int64(messageID)); err != nil {
		return 0, err
	}
	if err := s.seq.NameSet.Add(ctx, DialogsName(s.userID), unread); err != nil {
		return 0, err
	}
	v, err := s.seq.Counter.IncrementAndGet(ctx, PtsName(s.userID))
	if err != nil {
		return 0, err
	}

	s.logger.Debug("Message added to unread set",
		zap.Int64("user_id", s.userID),
		zap.Stringer("peer_type", peer.Type),
		zap.Int64("peer_id", peer.ID),
		zap.Int32("message_id", messageID),
		zap.Int64("pts", v))
	return int32(v), nil
}

// ReadMessages marks every message up to maxID in the dialog with peer as
// read and returns how many stay unread. The read cursor never moves
// backwards.
func (s *MessageBoxService) ReadMessages(ctx context.Context, peer Peer, maxID int32) (remaining int, err error) {
	start := time.Now()
	defer func() { s.observe("read_messages", start, err) }()

	if err := peer.validate(); err != nil {
		return 0, err
	}
	unread := UnreadName(s.userID, peer)
	if err := s.seq.OrderedSet.RemoveEqualOrLess(ctx, unread, int64(maxID)); err != nil {
		return 0, err
	}
	if _, err := s.seq.Counter.AdvanceTo(ctx, MaxReadName(s.userID, peer), int64(maxID)); err != nil {
		return 0, err
	}
	remaining, err = s.seq.OrderedSet.Len(ctx, unread)
	if err != nil || remaining > 0 {
		return remaining, err
	}

	dialogs := DialogsName(s.userID)
	if err := s.seq.NameSet.Remove(ctx, dialogs, unread); err != nil {
		return 0, err
	}
	// a message may have arrived between Len and Remove
	remaining, err = s.seq.OrderedSet.Len(ctx, unread)
	if err != nil {
		return 0, err
	}
	if remaining > 0 {
		s.logger.Debug("Dialog received a message while being cleared",
			zap.Int64("user_id", s.userID),
			zap.Int64("peer_id", peer.ID))
		if err := s.seq.NameSet.Add(ctx, dialogs, unread); err != nil {
			return 0, err
		}
	}
	return remaining, nil
}

// UnreadMessagesForPeer returns the unread count of one dialog
func (s *MessageBoxService) UnreadMessagesForPeer(ctx context.Context, peer Peer) (int, error) {
	if err := peer.validate(); err != nil {
		return 0, err
	}
	return s.seq.OrderedSet.Len(ctx, UnreadName(s.userID, peer))
}

// UnreadMessages sums the unread counts of the dialogs that have any
func (s *MessageBoxService) UnreadMessages(ctx context.Context) (total int, err error) {
	start := time.Now()
	defer func() { s.observe("unread_messages", start, err) }()

	names, err := s.seq.NameSet.Members(ctx, DialogsName(s.userID))
	if err != nil {
		return 0, err
	}

	counts := make([]int, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, name := range names {
		g.Go(func() error {
			n, err := s.seq.OrderedSet.Len(gctx, name)
			counts[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// MaxReadID returns the read cursor of the dialog with peer
func (s *MessageBoxService) MaxReadID(ctx context.Context, peer Peer) (int32, error) {
	if err := peer.validate(); err != nil {
		return 0, err
	}
	v, err := s.seq.Counter.Get(ctx, MaxReadName(s.userID, peer))
	return int32(v), err
}

// Dialogs lists the peers with unread messages
func (s *MessageBoxService) Dialogs(ctx context.Context) ([]Peer, error) {
	names, err := s.seq.NameSet.Members(ctx, DialogsName(s.userID))
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(names))
	for _, name := range names {
		owner, peer, err := ParseUnreadName(name)
		if err != nil {
			return nil, err
		}
		if owner != s.userID {
			return nil, ferrors.CorruptedData("dialog set holds a foreign unread set", nil).
				WithDetail("user_id", s.userID).
				WithDetail("name", name)
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// SecretMessageBoxService tracks the secret chat update sequence (qts) of
// one user
type SecretMessageBoxService struct {
	userID  int64
	counter sequence.Counter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewSecretMessageBoxService(userID int64, counter sequence.Counter, logger *zap.Logger, m *metrics.Metrics) *SecretMessageBoxService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecretMessageBoxService{userID: userID, counter: counter, logger: logger, metrics: m}
}

func (s *SecretMessageBoxService) Qts(ctx context.Context) (int32, error) {
	v, err := s.counter.Get(ctx, QtsName(s.userID))
	return int32(v), err
}

func (s *SecretMessageBoxService) IncrementQts(ctx context.Context) (int32, error) {
	start := time.Now()
	v, err := s.counter.IncrementAndGet(ctx, QtsName(s.userID))
	s.metrics.RecordMessageBoxOp("increment_qts", time.Since(start).Seconds(), err)
	if err != nil {
		s.logger.Error("Failed to increment qts", zap.Int64("user_id", s.userID), zap.Error(err))
	}
	return int32(v), err
}
