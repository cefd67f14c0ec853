package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/repository"
)

var ErrInvalidContact = errors.New("invalid contact message")

const (
	maxContactNameLen    = 100
	maxContactEmailLen   = 200
	maxContactMessageLen = 5000
)

// ValidationError carries the message shown to the user next to the form.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrInvalidContact }

type ContactInput struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

// ValidateContact trims the fields and applies the form rules. A nil input
// means the request carried no body at all.
func ValidateContact(in *ContactInput) (ContactInput, error) {
	if in == nil {
		return ContactInput{}, &ValidationError{Message: "请求体不能为空"}
	}
	out := ContactInput{
		Name:    strings.TrimSpace(in.Name),
		Email:   strings.TrimSpace(in.Email),
		Message: strings.TrimSpace(in.Message),
	}
	switch {
	case out.Name == "" || out.Email == "" || out.Message == "":
		return ContactInput{}, &ValidationError{Message: "请填写姓名、邮箱和留言"}
	case !strings.Contains(out.Email, "@") || !strings.Contains(out.Email, "."):
		return ContactInput{}, &ValidationError{Message: "邮箱格式不正确"}
	case utf8.RuneCountInString(out.Name) > maxContactNameLen:
		return ContactInput{}, &ValidationError{Message: "姓名过长"}
	case utf8.RuneCountInString(out.Email) > maxContactEmailLen:
		return ContactInput{}, &ValidationError{Message: "邮箱过长"}
	case utf8.RuneCountInString(out.Message) > maxContactMessageLen:
		return ContactInput{}, &ValidationError{Message: "留言过长"}
	}
	return out, nil
}

type ContactService struct {
	repo   repository.ContactRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewContactService(repo repository.ContactRepository, logger *slog.Logger) *ContactService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContactService{repo: repo, logger: logger, now: time.Now}
}

func (s *ContactService) Create(ctx context.Context, in *ContactInput) (*domain.ContactMessage, error) {
	valid, err := ValidateContact(in)
	if err != nil {
		return nil, err
	}
	msg := &domain.ContactMessage{
		Name:      valid.Name,
		Email:     valid.Email,
		Message:   valid.Message,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, msg); err != nil {
		s.logger.ErrorContext(ctx, "store contact message failed", "error", err)
		return nil, err
	}
	s.logger.InfoContext(ctx, "contact message stored", "id", msg.ID)
	return msg, nil
}

func (s *ContactService) List(ctx context.Context, page, pageSize int) (repository.PageResult[domain.ContactMessage], error) {
	return s.repo.ListPaged(ctx, repository.PageRequest{Page: page, PageSize: pageSize})
}
