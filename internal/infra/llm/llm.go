// Package llm provides intent classification and field extraction.
package llm

import (
	"context"
	"fmt"

	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/infra/dependency"
)

// Intent is a yes/no question asked about an utterance.
type Intent string

const (
	IntentBookMeeting Intent = "book_meeting"
	IntentAffirm      Intent = "affirm"
)

// Field keys understood by ExtractFields.
var Fields = []string{"name", "email", "organization", "inquiry", "start_time", "duration"}

// Extractor classifies and extracts booking fields from free text.
type Extractor interface {
	ClassifyIntent(ctx context.Context, utterance string, intent Intent) (bool, error)
	ExtractFields(ctx context.Context, utterance string, current map[string]string) (map[string]string, error)
}

// IntentArgs are the arguments of llm.classifyIntent.
type IntentArgs struct {
	Utterance string
	Intent    Intent
}

// ExtractArgs are the arguments of llm.extractFields.
type ExtractArgs struct {
	Utterance string
	Current   map[string]string
}

// Register binds primary behind the orchestrator and local as the fallback
// for both operations.
func Register(o *dependency.Orchestrator, primary, local Extractor) error {
	if err := o.Handle(domain.DependencyLLM, domain.OpClassifyIntent, func(ctx context.Context, args any) (any, error) {
		a, err := intentArgs(args)
		if err != nil {
			return nil, err
		}
		return primary.ClassifyIntent(ctx, a.Utterance, a.Intent)
	}); err != nil {
		return err
	}

	if err := o.Handle(domain.DependencyLLM, domain.OpExtractFields, func(ctx context.Context, args any) (any, error) {
		a, err := extractArgs(args)
		if err != nil {
			return nil, err
		}
		return primary.ExtractFields(ctx, a.Utterance, a.Current)
	}); err != nil {
		return err
	}

	o.Fallback(domain.DependencyLLM, domain.OpClassifyIntent, func(ctx context.Context, args any, _ *apperr.Error) (any, error) {
		a, err := intentArgs(args)
		if err != nil {
			return nil, err
		}
		return local.ClassifyIntent(ctx, a.Utterance, a.Intent)
	})
	o.Fallback(domain.DependencyLLM, domain.OpExtractFields, func(ctx context.Context, args any, _ *apperr.Error) (any, error) {
		a, err := extractArgs(args)
		if err != nil {
			return nil, err
		}
		return local.ExtractFields(ctx, a.Utterance, a.Current)
	})
	return nil
}

func intentArgs(args any) (IntentArgs, error) {
	a, ok := args.(IntentArgs)
	if !ok {
		return IntentArgs{}, apperr.New(apperr.KindInternal, fmt.Sprintf("classifyIntent: unexpected args %T", args))
	}
	return a, nil
}

func extractArgs(args any) (ExtractArgs, error) {
	a, ok := args.(ExtractArgs)
	if !ok {
		return ExtractArgs{}, apperr.New(apperr.KindInternal, fmt.Sprintf("extractFields: unexpected args %T", args))
	}
	return a, nil
}
