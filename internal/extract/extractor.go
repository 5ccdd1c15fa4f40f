// Package extract turns cleaned venue page text into validated events by
// asking an LLM for structured JSON.
package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"concertcal/internal/config"
	appLog "concertcal/internal/log"
	"concertcal/internal/model"
)

// Extractor runs the extraction prompt against an LLM backend.
type Extractor struct {
	llm                  LLM
	defaultDurationHours int
	loc                  *time.Location
	now                  func() time.Time
}

// New builds an Extractor for the backend selected in cfg. The backend is
// wrapped with retries and a circuit breaker.
func New(cfg *config.Config) (*Extractor, error) {
	var (
		llm LLM
		err error
	)
	switch cfg.LLMBackend {
	case config.LLMOllama:
		llm = NewOllama(cfg.Ollama.BaseURL, cfg.Ollama.Model, nil)
	case config.LLMAnthropic:
		key := cfg.Anthropic.APIKey
		if key == "" {
			key = os.Getenv(APIKeyEnv)
		}
		llm, err = NewAnthropic("", key, cfg.Anthropic.Model, nil)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("extract: unknown llm backend %q", cfg.LLMBackend)
	}
	return NewWithLLM(NewGuarded(string(cfg.LLMBackend), llm), cfg.DefaultEventDurationHours, cfg.Location()), nil
}

// NewWithLLM returns an Extractor using llm directly. loc decides what
// "today" is in the prompt; nil means the local zone.
func NewWithLLM(llm LLM, defaultDurationHours int, loc *time.Location) *Extractor {
	if loc == nil {
		loc = time.Local
	}
	return &Extractor{
		llm:                  llm,
		defaultDurationHours: defaultDurationHours,
		loc:                  loc,
		now:                  time.Now,
	}
}

// Extract returns the valid events found in text. Records that fail
// validation are logged and skipped. When the first reply is not JSON the
// model is asked once more to correct itself.
func (x *Extractor) Extract(ctx context.Context, text string, venue config.VenueConfig) ([]model.Event, error) {
	today := model.DateOf(x.now().In(x.loc))
	system := FormatPrompt(today, venue.Name, venue.Location)
	messages := []Message{{Role: RoleUser, Content: text}}

	reply, err := x.llm.Complete(ctx, system, messages)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", venue.Name, err)
	}

	items, perr := ParseEventArray(reply)
	if perr != nil {
		appLog.Debug("llm reply not json, asking again", "venue", venue.Name, "reply", snippet([]byte(reply)))
		messages = append(messages,
			Message{Role: RoleAssistant, Content: StripFences(reply)},
			Message{Role: RoleUser, Content: correctionPrompt},
		)
		reply, err = x.llm.Complete(ctx, system, messages)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", venue.Name, err)
		}
		items, perr = ParseEventArray(reply)
		if perr != nil {
			return nil, fmt.Errorf("extract %s: %w", venue.Name, perr)
		}
	}

	events := make([]model.Event, 0, len(items))
	for i, obj := range items {
		raw := toRaw(obj)
		raw.VenueName = venue.Name
		raw.VenueLocation = venue.Location
		raw.DefaultDurationHours = x.defaultDurationHours

		ev, err := model.NewEvent(raw)
		if err != nil {
			if !errors.Is(err, model.ErrValidation) {
				return nil, err
			}
			appLog.Warn("skipping invalid event", "venue", venue.Name, "index", i, "title", raw.Title, "err", err.Error())
			continue
		}
		events = append(events, ev)
	}
	appLog.Debug("extracted events", "venue", venue.Name, "count", len(events), "records", len(items))
	return events, nil
}
