package sequence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aykutalparslan/ferrite/internal/metrics"
)

// UpdaterOrderedSet implements OrderedSet on top of an Updater
type UpdaterOrderedSet struct {
	base
}

// NewOrderedSet returns an ordered set that stores its records through u
func NewOrderedSet(u Updater, backend string, logger *zap.Logger, m *metrics.Metrics) *UpdaterOrderedSet {
	return &UpdaterOrderedSet{base: newBase(u, backend, "ordered_set", logger, m)}
}

func (s *UpdaterOrderedSet) mutate(ctx context.Context, op, name string, v int64, merge MergeFunc) (err error) {
	start := time.Now()
	defer func() { s.observe(op, start, err) }()
	if err = s.validator.ValidateName(s.kind, name); err != nil {
		return err
	}
	record, err := s.updater.Update(ctx, name, memberInput(v), merge)
	if err != nil {
		return err
	}
	s.metrics.RecordSetSize(s.kind, (len(record)-4)/8)
	return nil
}

func (s *UpdaterOrderedSet) Add(ctx context.Context, name string, member int64) error {
	return s.mutate(ctx, "add", name, member, Insert)
}

func (s *UpdaterOrderedSet) Remove(ctx context.Context, name string, member int64) error {
	return s.mutate(ctx, "remove", name, member, Erase)
}

func (s *UpdaterOrderedSet) RemoveEqualOrLess(ctx context.Context, name string, threshold int64) error {
	return s.mutate(ctx, "trim", name, threshold, TrimEqualOrLess)
}

func (s *UpdaterOrderedSet) Get(ctx context.Context, name string) (members []int64, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()
	if err = s.validator.ValidateName(s.kind, name); err != nil {
		return nil, err
	}
	record, err := s.updater.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	return DecodeMembers(record)
}

func (s *UpdaterOrderedSet) Len(ctx context.Context, name string) (int, error) {
	members, err := s.Get(ctx, name)
	return len(members), err
}

// UpdaterNameSet implements NameSet on top of an Updater
type UpdaterNameSet struct {
	base
}

// NewNameSet returns a name set that stores its records through u
func NewNameSet(u Updater, backend string, logger *zap.Logger, m *metrics.Metrics) *UpdaterNameSet {
	return &UpdaterNameSet{base: newBase(u, backend, "name_set", logger, m)}
}

func (s *UpdaterNameSet) mutate(ctx context.Context, op, name, member string, merge MergeFunc) (err error) {
	start := time.Now()
	defer func() { s.observe(op, start, err) }()
	if err = s.validator.ValidateName(s.kind, name); err != nil {
		return err
	}
	_, err = s.updater.Update(ctx, name, []byte(member), merge)
	return err
}

func (s *UpdaterNameSet) Add(ctx context.Context, name, member string) error {
	return s.mutate(ctx, "add", name, member, InsertName)
}

func (s *UpdaterNameSet) Remove(ctx context.Context, name, member string) error {
	return s.mutate(ctx, "remove", name, member, EraseName)
}

func (s *UpdaterNameSet) Members(ctx context.Context, name string) (members []string, err error) {
	start := time.Now()
	defer func() { s.observe("members", start, err) }()
	if err = s.validator.ValidateName(s.kind, name); err != nil {
		return nil, err
	}
	record, err := s.updater.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	return DecodeNames(record)
}

func (s *UpdaterNameSet) Len(ctx context.Context, name string) (int, error) {
	members, err := s.Members(ctx, name)
	return len(members), err
}
