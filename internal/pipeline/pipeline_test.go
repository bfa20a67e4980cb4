package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Ziug/video-stats-bot/internal/llm"
	"github.com/Ziug/video-stats-bot/internal/sqlguard"
	"github.com/Ziug/video-stats-bot/internal/store"
)

type mockLLM struct {
	CompleteFunc func(ctx context.Context, system, user string) (string, error)
	calls        atomic.Int32
}

func (m *mockLLM) Complete(ctx context.Context, system, user string) (string, error) {
	m.calls.Add(1)
	return m.CompleteFunc(ctx, system, user)
}

type mockStore struct {
	QueryScalarFunc func(ctx context.Context, query string) (store.Scalar, error)
	calls           atomic.Int32
	lastQuery       atomic.Value
}

func (m *mockStore) QueryScalar(ctx context.Context, query string) (store.Scalar, error) {
	m.calls.Add(1)
	m.lastQuery.Store(query)
	return m.QueryScalarFunc(ctx, query)
}

type mockValidator struct {
	CheckFunc func(sql string) error
}

func (m *mockValidator) Check(sql string) error { return m.CheckFunc(sql) }

func replying(text string) *mockLLM {
	return &mockLLM{CompleteFunc: func(context.Context, string, string) (string, error) {
		return text, nil
	}}
}

func returning(v store.Scalar) *mockStore {
	return &mockStore{QueryScalarFunc: func(context.Context, string) (store.Scalar, error) {
		return v, nil
	}}
}

func newTestPipeline(t *testing.T, model LLM, db Store, opts ...func(*Config)) *Pipeline {
	t.Helper()
	cfg := Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		LLM:       model,
		Store:     db,
		Validator: sqlguard.New(sqlguard.DefaultPolicy()),
	}
	for _, o := range opts {
		o(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func TestNew_RequiresCollaborators(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := sqlguard.New(sqlguard.DefaultPolicy())
	model := replying("")
	db := returning(nil)

	for name, cfg := range map[string]Config{
		"logger":    {LLM: model, Store: db, Validator: v},
		"llm":       {Logger: log, Store: db, Validator: v},
		"store":     {Logger: log, LLM: model, Validator: v},
		"validator": {Logger: log, LLM: model, Store: db},
	} {
		_, err := New(cfg)
		require.ErrorContains(t, err, name+" is required")
	}
}

func TestRun_CountAllVideos(t *testing.T) {
	model := replying(`{"sql": "SELECT COUNT(*) FROM videos"}`)
	db := returning(int64(7))
	p := newTestPipeline(t, model, db)

	res := p.Run(context.Background(), "Сколько всего видео?")
	require.Equal(t, "7", res.Reply)
	require.Equal(t, OutcomeOK, res.Outcome)
	require.Equal(t, StageResponded, res.Stage)
	require.Equal(t, "bare_json", res.Strategy)
	require.Equal(t, "SELECT COUNT(*) FROM videos", res.SQL)
	require.NoError(t, res.Err)
	require.Equal(t, "SELECT COUNT(*) FROM videos", db.lastQuery.Load())
	for _, s := range []Stage{StageGenerating, StageExtracting, StageValidating, StageExecuting} {
		require.Contains(t, res.Durations, s)
	}
}

func TestRun_SendsPromptAndQuestion(t *testing.T) {
	var gotSystem, gotUser string
	model := &mockLLM{CompleteFunc: func(_ context.Context, system, user string) (string, error) {
		gotSystem, gotUser = system, user
		return `{"sql": "SELECT COUNT(*) FROM videos"}`, nil
	}}
	p := newTestPipeline(t, model, returning(int64(1)))

	require.Equal(t, "1", p.Answer(context.Background(), "  Сколько видео?\n"))
	require.Equal(t, llm.SystemPrompt, gotSystem)
	require.Equal(t, "Сколько видео?", gotUser)
}

func TestRun_EmptyInputMakesNoCalls(t *testing.T) {
	model := replying(`{"sql": "SELECT COUNT(*) FROM videos"}`)
	db := returning(int64(7))
	p := newTestPipeline(t, model, db)

	for _, text := range []string{"", "   ", "\n\t"} {
		res := p.Run(context.Background(), text)
		require.Equal(t, "0", res.Reply)
		require.Equal(t, OutcomeEmpty, res.Outcome)
	}
	require.Zero(t, model.calls.Load())
	require.Zero(t, db.calls.Load())
}

func TestRun_DestructiveRequestIsNeverExecuted(t *testing.T) {
	for _, raw := range []string{
		`{"sql": "DELETE FROM videos"}`,
		`{"sql": "DROP TABLE videos"}`,
		"DELETE FROM videos",
		`{"sql": "SELECT COUNT(*) FROM videos; DROP TABLE videos"}`,
		"```sql\nTRUNCATE videos\n```",
	} {
		db := returning(int64(7))
		p := newTestPipeline(t, replying(raw), db)

		res := p.Run(context.Background(), "Удали все видео")
		require.Equal(t, "0", res.Reply, raw)
		require.Contains(t, []Outcome{OutcomeRejected, OutcomeNoCandidate}, res.Outcome, raw)
		require.Zero(t, db.calls.Load(), raw)
	}
}

func TestRun_RejectedCandidate(t *testing.T) {
	db := returning(int64(1))
	p := newTestPipeline(t, replying(`{"sql": "SELECT COUNT(*) FROM users"}`), db)

	res := p.Run(context.Background(), "Сколько пользователей?")
	require.Equal(t, "0", res.Reply)
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Equal(t, StageValidating, res.Stage)
	require.ErrorIs(t, res.Err, sqlguard.ErrTableNotAllowed)

	var se *StageError
	require.ErrorAs(t, res.Err, &se)
	require.Equal(t, StageValidating, se.Stage)
	require.Zero(t, db.calls.Load())
}

func TestRun_NoCandidate(t *testing.T) {
	db := returning(int64(1))
	p := newTestPipeline(t, replying("Извините, я не могу ответить на этот вопрос."), db)

	res := p.Run(context.Background(), "Какая погода?")
	require.Equal(t, "0", res.Reply)
	require.Equal(t, OutcomeNoCandidate, res.Outcome)
	require.ErrorIs(t, res.Err, ErrNoCandidate)
	require.Zero(t, db.calls.Load())
}

func TestRun_ModelError(t *testing.T) {
	model := &mockLLM{CompleteFunc: func(context.Context, string, string) (string, error) {
		return "", errors.New("401 unauthorized")
	}}
	p := newTestPipeline(t, model, returning(int64(1)))

	res := p.Run(context.Background(), "Сколько видео?")
	require.Equal(t, "0", res.Reply)
	require.Equal(t, OutcomeGenerateFailed, res.Outcome)
	require.ErrorContains(t, res.Err, "generating: 401 unauthorized")
}

func TestRun_ModelTimeout(t *testing.T) {
	model := &mockLLM{CompleteFunc: func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	db := returning(int64(1))
	p := newTestPipeline(t, model, db, func(c *Config) { c.LLMTimeout = 50 * time.Millisecond })

	start := time.Now()
	res := p.Run(context.Background(), "Сколько видео?")
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, "0", res.Reply)
	require.Equal(t, OutcomeGenerateFailed, res.Outcome)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
	require.Zero(t, db.calls.Load())
}

func TestRun_ModelIgnoringContextStillBounded(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	model := &mockLLM{CompleteFunc: func(context.Context, string, string) (string, error) {
		<-release
		return `{"sql": "SELECT COUNT(*) FROM videos"}`, nil
	}}
	p := newTestPipeline(t, model, returning(int64(1)), func(c *Config) { c.LLMTimeout = 50 * time.Millisecond })

	start := time.Now()
	require.Equal(t, "0", p.Answer(context.Background(), "Сколько видео?"))
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_QueryTimeout(t *testing.T) {
	db := &mockStore{QueryScalarFunc: func(ctx context.Context, _ string) (store.Scalar, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p := newTestPipeline(t, replying(`{"sql": "SELECT COUNT(*) FROM videos"}`), db,
		func(c *Config) { c.QueryTimeout = 50 * time.Millisecond })

	res := p.Run(context.Background(), "Сколько видео?")
	require.Equal(t, "0", res.Reply)
	require.Equal(t, OutcomeExecuteFailed, res.Outcome)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestRun_NullIsZero(t *testing.T) {
	p := newTestPipeline(t, replying(`{"sql": "SELECT SUM(views_count) FROM videos WHERE creator_id = 'nobody'"}`), returning(nil))

	res := p.Run(context.Background(), "Сколько просмотров у nobody?")
	require.Equal(t, "0", res.Reply)
	require.Equal(t, OutcomeOK, res.Outcome)
	require.NoError(t, res.Err)
}

func TestRun_ExecutionError(t *testing.T) {
	db := &mockStore{QueryScalarFunc: func(context.Context, string) (store.Scalar, error) {
		return nil, errors.New(`pq: column "view_count" does not exist`)
	}}
	p := newTestPipeline(t, replying(`{"sql": "SELECT SUM(view_count) FROM videos"}`), db)

	res := p.Run(context.Background(), "Сколько просмотров?")
	require.Equal(t, "0", res.Reply)
	require.Equal(t, OutcomeExecuteFailed, res.Outcome)
	require.ErrorContains(t, res.Err, "does not exist")
}

func TestRun_NonNumericScalar(t *testing.T) {
	db := returning(time.Date(2025, 11, 28, 0, 0, 0, 0, time.UTC))
	p := newTestPipeline(t, replying(`{"sql": "SELECT MAX(video_created_at) FROM videos"}`), db)

	res := p.Run(context.Background(), "Когда вышло последнее видео?")
	require.Equal(t, "0", res.Reply)
	require.Equal(t, OutcomeExecuteFailed, res.Outcome)
	require.ErrorIs(t, res.Err, store.ErrNotNumeric)
}

func TestRun_ScalarFormatting(t *testing.T) {
	tests := []struct {
		name  string
		value store.Scalar
		want  string
	}{
		{"bigint", int64(1234567), "1234567"},
		{"numeric average", []byte("1500.7500000000000000"), "1500"},
		{"huge numeric", []byte("98765432109876543210"), "98765432109876543210"},
		{"float", 42.9, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(t, replying(`{"sql": "SELECT AVG(views_count) FROM videos"}`), returning(tt.value))
			require.Equal(t, tt.want, p.Answer(context.Background(), "Среднее число просмотров?"))
		})
	}
}

func TestRun_ProseAroundFencedJSON(t *testing.T) {
	raw := "Вот запрос:\n```json\n{\"sql\": \"SELECT COUNT(*) FROM video_snapshots\"}\n```\nГотово."
	p := newTestPipeline(t, replying(raw), returning(int64(35)))

	res := p.Run(context.Background(), "Сколько снапшотов?")
	require.Equal(t, "35", res.Reply)
	require.Equal(t, "fenced_json", res.Strategy)
}

func TestRun_RecoversFromPanics(t *testing.T) {
	okModel := replying(`{"sql": "SELECT COUNT(*) FROM videos"}`)

	t.Run("model", func(t *testing.T) {
		model := &mockLLM{CompleteFunc: func(context.Context, string, string) (string, error) {
			panic("model exploded")
		}}
		res := newTestPipeline(t, model, returning(int64(1))).Run(context.Background(), "Сколько видео?")
		require.Equal(t, "0", res.Reply)
		require.Equal(t, OutcomeGenerateFailed, res.Outcome)
		require.ErrorContains(t, res.Err, "model exploded")
	})

	t.Run("validator", func(t *testing.T) {
		p := newTestPipeline(t, okModel, returning(int64(1)), func(c *Config) {
			c.Validator = &mockValidator{CheckFunc: func(string) error { panic("validator exploded") }}
		})
		res := p.Run(context.Background(), "Сколько видео?")
		require.Equal(t, "0", res.Reply)
		require.Equal(t, OutcomeRejected, res.Outcome)
	})

	t.Run("store", func(t *testing.T) {
		db := &mockStore{QueryScalarFunc: func(context.Context, string) (store.Scalar, error) {
			panic("store exploded")
		}}
		res := newTestPipeline(t, okModel, db).Run(context.Background(), "Сколько видео?")
		require.Equal(t, "0", res.Reply)
		require.Equal(t, OutcomeExecuteFailed, res.Outcome)
	})
}

func TestAnswer_Concurrent(t *testing.T) {
	db := &mockStore{QueryScalarFunc: func(_ context.Context, query string) (store.Scalar, error) {
		return int64(len(query)), nil
	}}
	p := newTestPipeline(t, replying(`{"sql": "SELECT COUNT(*) FROM videos"}`), db)

	const n = 32
	replies := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() { replies <- p.Answer(context.Background(), "Сколько видео?") }()
	}
	for i := 0; i < n; i++ {
		require.Equal(t, "27", <-replies)
	}
	require.Equal(t, int32(n), db.calls.Load())
}
