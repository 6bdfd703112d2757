package event

import (
	"context"
	"errors"
	"strings"

	"github.com/pickup-sports/matchchat/internal/apperror"
)

type Store interface {
	Create(ctx context.Context, e *Event) (*Event, error)
	Get(ctx context.Context, id int64) (*Event, error)
	Join(ctx context.Context, eventID, userID int64) error
	IsMember(ctx context.Context, eventID, userID int64) (bool, error)
}

type Service struct {
	repo Store
}

func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

func (s *Service) Create(ctx context.Context, hostID int64, req *CreateRequest) (*Event, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperror.InvalidArg("title is required")
	}
	e, err := s.repo.Create(ctx, &Event{
		HostID:   hostID,
		Title:    title,
		Category: strings.TrimSpace(req.Category),
		StartsAt: req.StartsAt,
	})
	if err != nil {
		return nil, apperror.Internal("failed to create event", err)
	}
	return e, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Event, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			return nil, apperror.NotFound("event not found")
		}
		return nil, apperror.Internal("failed to load event", err)
	}
	return e, nil
}

func (s *Service) Join(ctx context.Context, eventID, userID int64) error {
	e, err := s.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if e.HostID == userID {
		return nil
	}
	if err := s.repo.Join(ctx, eventID, userID); err != nil {
		return apperror.Internal("failed to join event", err)
	}
	return nil
}

func (s *Service) IsMember(ctx context.Context, eventID, userID int64) (bool, error) {
	ok, err := s.repo.IsMember(ctx, eventID, userID)
	if err != nil {
		return false, apperror.Internal("failed to check membership", err)
	}
	return ok, nil
}
