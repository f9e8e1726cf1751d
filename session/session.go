// Package session implements the inference session (spec.md §4.H): the
// budget/cancellation/sampling controller sitting on top of forward,
// exposing both blocking and streaming generation, and isolating
// concurrent requests that share only the immutable model weights.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ariannamethod/smqinfer/forward"
	"github.com/ariannamethod/smqinfer/kvcache"
	"github.com/ariannamethod/smqinfer/layer"
	"github.com/ariannamethod/smqinfer/sampler"
	"github.com/ariannamethod/smqinfer/smqerr"
	"github.com/ariannamethod/smqinfer/tensor"
)

// State is a session's lifecycle stage (spec.md §4.H's state machine:
// Idle -> Running -> {Streaming | Completed | Failed | Cancelled}).
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Session owns a KV cache, a workspace and a cancellation flag, none of
// them shared with other sessions; the sampler RNG and the deadline are
// created afresh for each request inside generateLoop. Model weights are
// the one thing it shares by reference.
type Session struct {
	ID    string
	model *layer.ModelWeights
	cfg   tensor.Config
	ws    *tensor.Workspace
	cache *kvcache.Cache
	sink  MetricsSink
	log   *logrus.Entry

	state     State
	cancelled atomic.Bool

	pool          *Pool
	reservedBytes int64
}

// New constructs a session over model/cfg with its own workspace and
// KV cache. sink may be nil, in which case events are discarded.
func New(model *layer.ModelWeights, cfg tensor.Config, sink MetricsSink) (*Session, error) {
	ws, err := tensor.NewWorkspace(cfg)
	if err != nil {
		return nil, smqerr.Wrap(smqerr.KindConfig, "workspace construction failed", err)
	}
	cache, err := kvcache.New(cfg)
	if err != nil {
		return nil, smqerr.Wrap(smqerr.KindConfig, "kv cache construction failed", err)
	}
	if sink == nil {
		sink = NopSink{}
	}
	id := uuid.NewString()
	return &Session{
		ID:    id,
		model: model,
		cfg:   cfg,
		ws:    ws,
		cache: cache,
		sink:  sink,
		state: StateIdle,
		log:   logrus.WithField("session", id),
	}, nil
}

// Close returns this session's KV cache reservation to its Pool, if any.
// A session never passed to Pool.Admit, or already closed, is a no-op.
func (s *Session) Close() {
	if s.pool != nil {
		s.pool.release(s.reservedBytes)
		s.pool = nil
		s.reservedBytes = 0
	}
}

// Cancel sets the cooperative cancellation flag, observed between
// blocks in the forward pass and between tokens in the generation
// loop (spec.md §5).
func (s *Session) Cancel() { s.cancelled.Store(true) }

// Reset returns the session to Idle, zeroing the KV cache cursor so it
// can be reused for a new request (spec.md §7: ContextFull "terminates
// current request; session reusable after reset").
func (s *Session) Reset() {
	s.cache.Reset()
	s.state = StateIdle
}

func (s *Session) prepareInput(prompt []int, opts Options) ([]int, error) {
	limit := opts.MaxInputTokens
	if opts.MaxContextTokens < limit {
		limit = opts.MaxContextTokens
	}
	if len(prompt) <= limit {
		return prompt, nil
	}
	if !opts.TruncateInputOnOverflow {
		return nil, smqerr.New(smqerr.KindInputTooLong,
			fmt.Sprintf("prompt has %d tokens, limit is %d", len(prompt), limit)).WithSession(s.ID)
	}
	s.sink.Observe(s.ID, EventContextPolicyApplied, fmt.Sprintf("truncated %d tokens from head", len(prompt)-limit))
	return prompt[len(prompt)-limit:], nil
}

// Generate runs prefill then decodes until a stop condition fires,
// returning the full sequence plus usage (spec.md §4.H blocking API).
func (s *Session) Generate(prompt []int, opts Options) (Result, error) {
	s.state = StateRunning
	s.sink.Observe(s.ID, EventRequestStart, len(prompt))
	start := time.Now()

	tokens, err := s.generateLoop(prompt, opts, func(int, int) {})
	usage := Usage{PromptTokens: len(prompt), GeneratedTokens: len(tokens.Tokens), WallMs: time.Since(start).Milliseconds()}
	tokens.Usage.PromptTokens = usage.PromptTokens
	tokens.Usage.GeneratedTokens = usage.GeneratedTokens
	tokens.Usage.WallMs = usage.WallMs

	if err != nil {
		s.state = StateFailed
		return tokens, err
	}
	if tokens.FinishReason == FinishCancelled {
		s.state = StateCancelled
	} else {
		s.state = StateCompleted
	}
	s.sink.Observe(s.ID, EventRequestComplete, tokens.Usage)
	s.log.WithFields(logrus.Fields{
		"tokens":  humanize.Comma(int64(tokens.Usage.GeneratedTokens)),
		"wall_ms": tokens.Usage.WallMs,
		"finish":  tokens.FinishReason,
	}).Debug("generation complete")
	return tokens, nil
}

// StreamItem is one element of the lazy sequence Stream produces.
type StreamItem struct {
	TokenID         int
	GenerationIndex int
	Err             error
	FinishReason    FinishReason
}

// Stream returns a channel of StreamItem, produced one token at a time
// and closeable early via Cancel (spec.md §4.H streaming API). When
// generation reaches MaxNewTokens or a stop token/sequence, the channel
// is simply closed after the last token item. When it ends any other
// way (an error, cancellation, the deadline, or a full context), one
// final item is sent first, carrying FinishReason and a non-nil Err.
func (s *Session) Stream(prompt []int, opts Options) <-chan StreamItem {
	out := make(chan StreamItem)
	s.state = StateStreaming
	s.sink.Observe(s.ID, EventRequestStart, len(prompt))

	go func() {
		defer close(out)
		idx := 0
		res, err := s.generateLoop(prompt, opts, func(tok, i int) {
			idx = i
			out <- StreamItem{TokenID: tok, GenerationIndex: i}
		})
		failed := err != nil
		if !failed {
			switch res.FinishReason {
			case FinishCancelled:
				err = smqerr.New(smqerr.KindCancelled, "cancellation flag observed").WithSession(s.ID)
			case FinishDeadline:
				err = smqerr.New(smqerr.KindDeadlineExceeded, "wall clock budget exceeded").WithSession(s.ID)
			case FinishContextFull:
				err = smqerr.New(smqerr.KindContextFull, "next token would exceed max_context_tokens").WithSession(s.ID)
			}
		}
		if err != nil {
			reason := finishReasonOrError(err)
			out <- StreamItem{GenerationIndex: idx, Err: err, FinishReason: reason}
			switch {
			case failed:
				s.state = StateFailed
			case reason == FinishCancelled:
				s.state = StateCancelled
			default:
				s.state = StateCompleted
			}
			return
		}
		s.state = StateCompleted
	}()
	return out
}

func finishReasonForKind(k smqerr.Kind) FinishReason {
	switch k {
	case smqerr.KindContextFull:
		return FinishContextFull
	case smqerr.KindDeadlineExceeded:
		return FinishDeadline
	case smqerr.KindCancelled:
		return FinishCancelled
	case smqerr.KindKvBudgetExceeded:
		return FinishKvBudgetExceeded
	default:
		return FinishError
	}
}

// generateLoop is the shared core of Generate and Stream (spec.md
// §4.H's five-step generation loop). emit is called once per token
// after it's sampled and appended to the output, in generation order.
func (s *Session) generateLoop(prompt []int, opts Options, emit func(tok, index int)) (Result, error) {
	prompt, err := s.prepareInput(prompt, opts)
	if err != nil {
		return Result{FinishReason: FinishError}, err
	}

	rng := sampler.NewRNG(opts.Seed)
	deadline := time.Time{}
	if opts.MaxWallMs > 0 {
		deadline = time.Now().Add(time.Duration(opts.MaxWallMs) * time.Millisecond)
	}

	check := func() error {
		if s.cancelled.Load() {
			return smqerr.New(smqerr.KindCancelled, "cancellation flag observed").WithSession(s.ID)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return smqerr.New(smqerr.KindDeadlineExceeded, "wall clock budget exceeded").WithSession(s.ID)
		}
		return nil
	}

	ttftStart := time.Now()
	logits, err := forward.Prefill(prompt, s.model, s.ws, s.cache, s.cfg, forward.BudgetCheck(check))
	if err != nil {
		return Result{FinishReason: finishReasonOrError(err)}, err
	}
	ttft := time.Since(ttftStart).Milliseconds()
	s.sink.Observe(s.ID, EventFirstToken, ttft)

	var recent []int
	window := opts.RepetitionWindow
	if window <= 0 {
		window = 64
	}

	tokens := make([]int, 0, opts.MaxNewTokens)
	sampleAndEmit := func(logits []float32, index int) int {
		if opts.RepetitionPenalty > 1.0 {
			sampler.ApplyRepetitionPenalty(logits, recent, opts.RepetitionPenalty)
		}
		tok := sampler.Sample(logits, opts.Sampling, rng)
		tokens = append(tokens, tok)
		recent = append(recent, tok)
		if len(recent) > window {
			recent = recent[len(recent)-window:]
		}
		emit(tok, index)
		s.sink.Observe(s.ID, EventTokenEmitted, index)
		return tok
	}

	stopped := func(tok int) bool {
		if _, hit := opts.StopTokens[tok]; hit {
			return true
		}
		if opts.Codec == nil || len(opts.StopSequences) == 0 {
			return false
		}
		text := opts.Codec.Decode(tokens)
		for _, seq := range opts.StopSequences {
			if seq != "" && strings.HasSuffix(text, seq) {
				return true
			}
		}
		return false
	}

	firstTok := sampleAndEmit(logits, 0)
	if stopped(firstTok) {
		return Result{Tokens: tokens, FinishReason: FinishStop}, nil
	}
	if len(tokens) >= opts.MaxNewTokens {
		return Result{Tokens: tokens, FinishReason: FinishMaxTokens}, nil
	}

	for i := 1; i < opts.MaxNewTokens; i++ {
		if err := check(); err != nil {
			return Result{Tokens: tokens, FinishReason: finishReasonOrError(err)}, nil
		}
		if s.cache.CurrentLength(0)+1 > opts.MaxContextTokens {
			return Result{Tokens: tokens, FinishReason: FinishContextFull}, nil
		}
		nextLogits, err := forward.Decode(tokens[len(tokens)-1], s.model, s.ws, s.cache, s.cfg, forward.BudgetCheck(check))
		if err != nil {
			return Result{Tokens: tokens, FinishReason: finishReasonOrError(err)}, err
		}
		tok := sampleAndEmit(nextLogits, i)
		if stopped(tok) {
			return Result{Tokens: tokens, FinishReason: FinishStop}, nil
		}
	}
	return Result{Tokens: tokens, FinishReason: FinishMaxTokens}, nil
}

func finishReasonOrError(err error) FinishReason {
	var se *smqerr.Error
	if errors.As(err, &se) {
		return finishReasonForKind(se.Kind)
	}
	return FinishError
}
