package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotRunning is returned when the backend cannot be reached.
var ErrNotRunning = errors.New("language model backend is not running")

// ReadyOptions controls EnsureReady.
type ReadyOptions struct {
	ChatModel  string
	EmbedModel string

	// Wait is how long to keep polling an unreachable backend. Zero checks once.
	Wait time.Duration

	// PullMissing downloads absent models instead of failing.
	PullMissing bool

	// WarmUp sends a trivial chat request so the first real call does not pay
	// the model load time.
	WarmUp bool
}

// EnsureReady checks that the Engine is reachable and that the chat and
// embedding models are available. Missing models are pulled when allowed,
// with progress written to w.
func EnsureReady(ctx context.Context, e Engine, opts ReadyOptions, w io.Writer) error {
	if err := waitRunning(ctx, e, opts.Wait, w); err != nil {
		return err
	}

	models := make([]string, 0, 2)
	if opts.ChatModel != "" {
		models = append(models, opts.ChatModel)
	}
	if opts.EmbedModel != "" && opts.EmbedModel != opts.ChatModel {
		models = append(models, opts.EmbedModel)
	}

	for _, model := range models {
		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}
		if !opts.PullMissing {
			return fmt.Errorf("model %s is not available on %s backend", model, e.Name())
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := e.PullModel(ctx, model, func(p PullProgress) {
			if pct := p.Percent(); pct >= 0 {
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if opts.WarmUp && opts.ChatModel != "" {
		fmt.Fprintf(w, "model %s: warming up...\n", opts.ChatModel)
		warmCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if _, err := e.Chat(warmCtx, opts.ChatModel, []Message{{Role: "user", Content: "ping"}}, nil); err != nil {
			fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", opts.ChatModel, err)
		} else {
			fmt.Fprintf(w, "model %s: warm\n", opts.ChatModel)
		}
	}

	return nil
}

// waitRunning polls IsRunning with exponential backoff until it succeeds or
// wait has elapsed.
func waitRunning(ctx context.Context, e Engine, wait time.Duration, w io.Writer) error {
	if e.IsRunning(ctx) {
		return nil
	}
	if wait <= 0 {
		return notRunningError(e)
	}

	fmt.Fprintf(w, "%s backend: waiting up to %s...\n", e.Name(), wait)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = wait

	err := backoff.Retry(func() error {
		if e.IsRunning(ctx) {
			return nil
		}
		return ErrNotRunning
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return notRunningError(e)
	}
	return nil
}

func notRunningError(e Engine) error {
	if e.Name() == "ollama" {
		return fmt.Errorf("%w; start it with: ollama serve", ErrNotRunning)
	}
	return fmt.Errorf("%w (%s backend)", ErrNotRunning, e.Name())
}
