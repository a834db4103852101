package guardrails

import (
	"context"
	"time"
)

// RaceWinner identifies which of the guardrails check or the upstream
// call the concurrent evaluation observed finish first. The winner does
// not decide the outcome — guardrails remain authoritative even when the
// upstream call finishes first — it is reported only in the
// X-Guardrails-Race-Winner response header and the race-winner metric.
type RaceWinner string

const (
	GuardrailsFirst    RaceWinner = "guardrails_first"
	LLMFirst           RaceWinner = "llm_first"
	GuardrailsTimedOut RaceWinner = "guardrails_timed_out"
)

// OnTimeoutPolicy decides what happens when the guardrails check does not
// finish within its timeout.
type OnTimeoutPolicy string

const (
	OnTimeoutBlock OnTimeoutPolicy = "block"
	OnTimeoutAllow OnTimeoutPolicy = "allow"
)

// EvaluationOutcome is the result of racing a guardrails check against an
// upstream call. Exactly one of (Blocked, LLMResult+no error) describes
// what the caller should do: if Blocked is true the LLM result, even if
// it completed successfully, must be discarded and never sent to the
// client.
type EvaluationOutcome[T any] struct {
	Winner         RaceWinner
	Blocked        bool
	BlockReason    string
	GuardrailsErr  error
	LLMResult      T
	LLMErr         error
	GuardrailsTook time.Duration
	LLMTook        time.Duration
}

func (o *EvaluationOutcome[T]) Headers() map[string]string {
	h := map[string]string{
		"X-Guardrails-Mode":         "concurrent",
		"X-Guardrails-Race-Winner":  string(o.Winner),
	}
	if o.Blocked {
		h["X-Guardrails-Blocked"] = "true"
	}
	return h
}

type guardrailsOutcome struct {
	err  error
	took time.Duration
}

type llmOutcome[T any] struct {
	result T
	err    error
	took   time.Duration
}

// RunConcurrentEvaluation races guardrailsFn against llmFn. guardrailsFn
// returning a non-nil *GuardrailError means the request is blocked;
// returning any other non-nil error is treated as an evaluation failure
// (not a block) and does not override the LLM result.
//
// Five outcomes are possible, mirroring the blocking evaluator's
// semantics but performed without serializing the two calls:
//  1. guardrails passes before the LLM call finishes: wait for the LLM
//     call, winner=guardrails_first.
//  2. guardrails blocks before the LLM call finishes: the LLM call is
//     canceled via ctx, winner=guardrails_first, Blocked=true.
//  3. the LLM call finishes before guardrails: still wait for guardrails'
//     verdict (bounded by timeout) before deciding; winner=llm_first.
//  4. guardrails times out and onTimeout=Block: Blocked=true,
//     winner=guardrails_timed_out.
//  5. guardrails times out and onTimeout=Allow: the LLM result (whenever
//     it arrives) is returned as-is, winner=guardrails_timed_out.
func RunConcurrentEvaluation[T any](
	ctx context.Context,
	guardrailsFn func(context.Context) error,
	llmFn func(context.Context) (T, error),
	timeout time.Duration,
	onTimeout OnTimeoutPolicy,
) *EvaluationOutcome[T] {
	llmCtx, cancelLLM := context.WithCancel(ctx)
	defer cancelLLM()

	guardrailsCtx, cancelGuardrails := context.WithTimeout(ctx, timeout)
	defer cancelGuardrails()

	guardrailsCh := make(chan guardrailsOutcome, 1)
	llmCh := make(chan llmOutcome[T], 1)

	go func() {
		start := time.Now()
		err := guardrailsFn(guardrailsCtx)
		guardrailsCh <- guardrailsOutcome{err: err, took: time.Since(start)}
	}()

	go func() {
		start := time.Now()
		result, err := llmFn(llmCtx)
		llmCh <- llmOutcome[T]{result: result, err: err, took: time.Since(start)}
	}()

	select {
	case g := <-guardrailsCh:
		return resolveGuardrailsFirst(g, llmCh, cancelLLM, timeout, onTimeout)
	case l := <-llmCh:
		return resolveLLMFirst(l, guardrailsCh, onTimeout)
	}
}

func resolveGuardrailsFirst[T any](
	g guardrailsOutcome,
	llmCh chan llmOutcome[T],
	cancelLLM context.CancelFunc,
	timeout time.Duration,
	onTimeout OnTimeoutPolicy,
) *EvaluationOutcome[T] {
	if isTimeoutErr(g.err) {
		if onTimeout == OnTimeoutBlock {
			cancelLLM()
			return &EvaluationOutcome[T]{
				Winner:         GuardrailsTimedOut,
				Blocked:        true,
				BlockReason:    "guardrails evaluation timed out",
				GuardrailsTook: g.took,
			}
		}
		// Allow on timeout: fall through to whatever the LLM produces.
		l := <-llmCh
		return &EvaluationOutcome[T]{
			Winner:         GuardrailsTimedOut,
			LLMResult:      l.result,
			LLMErr:         l.err,
			GuardrailsTook: g.took,
			LLMTook:        l.took,
		}
	}

	if ge, ok := asGuardrailError(g.err); ok && ge.Blocked {
		cancelLLM()
		return &EvaluationOutcome[T]{
			Winner:         GuardrailsFirst,
			Blocked:        true,
			BlockReason:    ge.Reason,
			GuardrailsErr:  g.err,
			GuardrailsTook: g.took,
		}
	}

	l := <-llmCh
	return &EvaluationOutcome[T]{
		Winner:         GuardrailsFirst,
		GuardrailsErr:  g.err,
		LLMResult:      l.result,
		LLMErr:         l.err,
		GuardrailsTook: g.took,
		LLMTook:        l.took,
	}
}

// resolveLLMFirst waits for the guardrails verdict even though the LLM
// call already completed: guardrails stays authoritative, so an LLM
// result that arrived first is discarded if guardrails later blocks.
func resolveLLMFirst[T any](l llmOutcome[T], guardrailsCh chan guardrailsOutcome, onTimeout OnTimeoutPolicy) *EvaluationOutcome[T] {
	g := <-guardrailsCh

	if isTimeoutErr(g.err) {
		if onTimeout == OnTimeoutBlock {
			return &EvaluationOutcome[T]{
				Winner:         GuardrailsTimedOut,
				Blocked:        true,
				BlockReason:    "guardrails evaluation timed out",
				GuardrailsTook: g.took,
				LLMTook:        l.took,
			}
		}
		return &EvaluationOutcome[T]{
			Winner:    GuardrailsTimedOut,
			LLMResult: l.result,
			LLMErr:    l.err,
			LLMTook:   l.took,
		}
	}

	if ge, ok := asGuardrailError(g.err); ok && ge.Blocked {
		return &EvaluationOutcome[T]{
			Winner:         LLMFirst,
			Blocked:        true,
			BlockReason:    ge.Reason,
			GuardrailsErr:  g.err,
			GuardrailsTook: g.took,
			LLMTook:        l.took,
		}
	}

	return &EvaluationOutcome[T]{
		Winner:         LLMFirst,
		GuardrailsErr:  g.err,
		LLMResult:      l.result,
		LLMErr:         l.err,
		GuardrailsTook: g.took,
		LLMTook:        l.took,
	}
}

func asGuardrailError(err error) (*GuardrailError, bool) {
	if err == nil {
		return nil, false
	}
	ge, ok := err.(*GuardrailError)
	return ge, ok
}

func isTimeoutErr(err error) bool {
	return err == context.DeadlineExceeded
}
