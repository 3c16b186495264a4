package templates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/repo"
	"github.com/LeventeLantos/bulk-dispatch/internal/transport"
)

type Service struct {
	repo repo.TemplateRepository
}

func NewService(r repo.TemplateRepository) *Service {
	return &Service{repo: r}
}

func (s *Service) CreateText(ctx context.Context, name, text string, buttons []model.Button) (*model.Template, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text must not be empty")
	}
	tpl := &model.Template{
		ID:        uuid.NewString(),
		Name:      name,
		Mode:      model.ContentText,
		Text:      text,
		Buttons:   buttons,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Save(ctx, tpl); err != nil {
		return nil, err
	}
	slog.Info("template created", "id", tpl.ID, "name", name, "mode", tpl.Mode)
	return tpl, nil
}

func (s *Service) CreateMedia(ctx context.Context, name string, kind model.MediaKind, mediaRef, caption string, buttons []model.Button) (*model.Template, error) {
	switch kind {
	case model.MediaPhoto, model.MediaDocument, model.MediaVideo:
	default:
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}
	if mediaRef == "" {
		return nil, errors.New("media reference must not be empty")
	}
	tpl := &model.Template{
		ID:        uuid.NewString(),
		Name:      name,
		Mode:      model.ContentMedia,
		Text:      caption,
		MediaRef:  mediaRef,
		MediaKind: kind,
		Buttons:   buttons,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Save(ctx, tpl); err != nil {
		return nil, err
	}
	slog.Info("template created", "id", tpl.ID, "name", name, "mode", tpl.Mode)
	return tpl, nil
}

func (s *Service) CreateForward(ctx context.Context, name, channel string, messageID int64) (*model.Template, error) {
	if channel == "" || messageID <= 0 {
		return nil, errors.New("forward source requires a channel and message id")
	}
	tpl := &model.Template{
		ID:               uuid.NewString(),
		Name:             name,
		Mode:             model.ContentForward,
		ForwardChannel:   channel,
		ForwardMessageID: messageID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.repo.Save(ctx, tpl); err != nil {
		return nil, err
	}
	slog.Info("template created", "id", tpl.ID, "name", name, "mode", tpl.Mode)
	return tpl, nil
}

// Update edits name, text and buttons. Nil means leave the field alone,
// matching partial updates from the operator surface.
func (s *Service) Update(ctx context.Context, id string, name, text *string, buttons []model.Button) (*model.Template, error) {
	tpl, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		tpl.Name = *name
	}
	if text != nil {
		tpl.Text = *text
	}
	if buttons != nil {
		tpl.Buttons = buttons
	}
	if err := s.repo.Save(ctx, tpl); err != nil {
		return nil, err
	}
	slog.Info("template updated", "id", id)
	return tpl, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("template deleted", "id", id)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.Template, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]model.Template, error) {
	return s.repo.List(ctx)
}

// Render substitutes {token} placeholders in text. {date} and {time} are
// filled in automatically unless the caller overrides them. Unknown tokens
// stay in the text literally.
func Render(text string, vars map[string]string) string {
	now := time.Now()
	merged := map[string]string{
		"date": now.Format("2006-01-02"),
		"time": now.Format("15:04"),
	}
	for k, v := range vars {
		merged[k] = v
	}
	for k, v := range merged {
		text = strings.ReplaceAll(text, "{"+k+"}", v)
	}
	return text
}

// Content renders a template into a deliverable payload. A forward source
// takes precedence over media and text.
func Content(tpl *model.Template, vars map[string]string) transport.Content {
	if tpl.Mode == model.ContentForward {
		return transport.Content{
			Mode:             model.ContentForward,
			ForwardChannel:   tpl.ForwardChannel,
			ForwardMessageID: tpl.ForwardMessageID,
		}
	}

	c := transport.Content{
		Mode:    tpl.Mode,
		Text:    Render(tpl.Text, vars),
		Buttons: tpl.Buttons,
	}
	if tpl.Mode == model.ContentMedia {
		c.MediaRef = tpl.MediaRef
		c.MediaKind = tpl.MediaKind
	}
	return c
}
