// Package pipeline turns a question into a number: it asks the model for SQL,
// extracts and validates the candidate, runs it and formats the scalar.
//
// Every failure collapses to the reply "0". The reason is kept in Result for logs,
// metrics and the operator CLI.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Ziug/video-stats-bot/internal/llm"
	"github.com/Ziug/video-stats-bot/internal/metrics"
	"github.com/Ziug/video-stats-bot/internal/sqlguard"
	"github.com/Ziug/video-stats-bot/internal/store"
)

// Fallback is the reply for every failed request.
const Fallback = "0"

const (
	defaultLLMTimeout   = 30 * time.Second
	defaultQueryTimeout = 8 * time.Second
)

// Stage is a step of a request.
type Stage string

const (
	StageReceived   Stage = "received"
	StageGenerating Stage = "generating"
	StageExtracting Stage = "extracting"
	StageValidating Stage = "validating"
	StageExecuting  Stage = "executing"
	StageResponded  Stage = "responded"
)

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeEmpty          Outcome = "empty"
	OutcomeGenerateFailed Outcome = "generate_failed"
	OutcomeNoCandidate    Outcome = "no_candidate"
	OutcomeRejected       Outcome = "rejected"
	OutcomeExecuteFailed  Outcome = "execute_failed"
)

var (
	ErrNoCandidate = errors.New("no SQL candidate in model output")
	errPanic       = errors.New("panic")
)

// StageError records the stage a request failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// LLM generates the SQL text for a question.
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Store runs a validated query and returns its single value.
type Store interface {
	QueryScalar(ctx context.Context, query string) (store.Scalar, error)
}

// Validator accepts or rejects a candidate query.
type Validator interface {
	Check(sql string) error
}

// Config wires the collaborators. Logger, LLM, Store and Validator are required.
type Config struct {
	Logger       *slog.Logger
	LLM          LLM
	Store        Store
	Validator    Validator
	SystemPrompt string        // "" = llm.SystemPrompt
	LLMTimeout   time.Duration // 0 = 30s
	QueryTimeout time.Duration // 0 = 8s
}

func (cfg *Config) validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.LLM == nil {
		return errors.New("llm is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Validator == nil {
		return errors.New("validator is required")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = llm.SystemPrompt
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	return nil
}

// Pipeline answers questions. It is safe for concurrent use.
type Pipeline struct {
	log       *slog.Logger
	cfg       Config
	extractor llm.Extractor
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		log:       cfg.Logger,
		cfg:       cfg,
		extractor: llm.Extractor{Log: cfg.Logger},
	}, nil
}

// Result is the reply plus what happened on the way to it.
type Result struct {
	Reply     string
	Stage     Stage // StageResponded on success, otherwise the stage that failed
	Outcome   Outcome
	Strategy  string
	SQL       string
	Err       error
	Durations map[Stage]time.Duration
}

// Answer returns the reply for text: a decimal integer, Fallback on any failure.
func (p *Pipeline) Answer(ctx context.Context, text string) string {
	return p.Run(ctx, text).Reply
}

// Run walks a question through every stage.
func (p *Pipeline) Run(ctx context.Context, text string) Result {
	res := Result{
		Reply:     Fallback,
		Stage:     StageReceived,
		Durations: make(map[Stage]time.Duration),
	}
	start := time.Now()
	p.run(ctx, text, &res)
	if res.Err == nil {
		res.Stage = StageResponded
	}

	metrics.RequestsTotal.WithLabelValues(string(res.Outcome)).Inc()
	attrs := []any{
		"outcome", res.Outcome,
		"reply", res.Reply,
		"duration", time.Since(start),
	}
	if res.Err != nil {
		attrs = append(attrs, "error", res.Err.Error())
		p.log.Warn("request failed", attrs...)
	} else {
		p.log.Info("request answered", attrs...)
	}
	return res
}

func (p *Pipeline) run(ctx context.Context, text string, res *Result) {
	question := strings.TrimSpace(text)
	if question == "" {
		res.Outcome = OutcomeEmpty
		return
	}
	p.log.Info("question received", "question", question)

	var raw string
	err := p.stage(res, StageGenerating, func() error {
		var err error
		raw, err = bounded(ctx, p.cfg.LLMTimeout, func(ctx context.Context) (string, error) {
			return p.cfg.LLM.Complete(ctx, p.cfg.SystemPrompt, question)
		})
		return err
	})
	if err != nil {
		res.Outcome = OutcomeGenerateFailed
		return
	}
	p.log.Debug("model replied", "raw", raw)

	var candidate llm.Extraction
	err = p.stage(res, StageExtracting, func() error {
		var ok bool
		if candidate, ok = p.extractor.Extract(raw); !ok {
			return ErrNoCandidate
		}
		return nil
	})
	if err != nil {
		res.Outcome = OutcomeNoCandidate
		return
	}
	res.SQL, res.Strategy = candidate.SQL, candidate.Strategy
	metrics.ExtractStrategyTotal.WithLabelValues(candidate.Strategy).Inc()
	p.log.Info("sql extracted", "strategy", candidate.Strategy, "sql", candidate.SQL)

	err = p.stage(res, StageValidating, func() error {
		return p.cfg.Validator.Check(candidate.SQL)
	})
	if err != nil {
		reason := sqlguard.Reason(err)
		if errors.Is(err, errPanic) {
			reason = "panic"
		}
		metrics.ValidationRejectsTotal.WithLabelValues(reason).Inc()
		p.log.Warn("sql rejected", "reason", reason, "sql", candidate.SQL)
		res.Outcome = OutcomeRejected
		return
	}

	var value store.Scalar
	err = p.stage(res, StageExecuting, func() error {
		var err error
		value, err = bounded(ctx, p.cfg.QueryTimeout, func(ctx context.Context) (store.Scalar, error) {
			return p.cfg.Store.QueryScalar(ctx, candidate.SQL)
		})
		if err != nil {
			return err
		}
		n, err := store.ToInteger(value)
		if err != nil {
			return err
		}
		res.Reply = n.String()
		return nil
	})
	if err != nil {
		res.Reply = Fallback
		res.Outcome = OutcomeExecuteFailed
		return
	}
	if value == nil {
		p.log.Debug("query returned null")
	}
	res.Outcome = OutcomeOK
}

// stage runs fn as stage s, recording its duration. A panic in fn is reported as
// a failure of s.
func (p *Pipeline) stage(res *Result, s Stage, fn func() error) (err error) {
	res.Stage = s
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("recovered from panic", "stage", s, "panic", r)
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
		d := time.Since(start)
		res.Durations[s] = d
		metrics.StageDuration.WithLabelValues(string(s)).Observe(d.Seconds())
		if err != nil {
			err = &StageError{Stage: s, Err: err}
			res.Err = err
		}
	}()
	return fn()
}

// bounded calls fn with a deadline and returns no later than the deadline even
// when fn ignores its context. A panic in fn is returned as an error.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", errPanic, r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
