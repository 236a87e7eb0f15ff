package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/companion/internal/llm"
	"github.com/scrypster/companion/internal/memory"
	"github.com/scrypster/companion/internal/recall"
	"github.com/scrypster/companion/internal/statemachine"
)

// Merge methods recorded in Consolidation.MergedBy.
const (
	MergedByModel  = "model"
	MergedByConcat = "concat"
)

// Flow runs turns. It is safe for concurrent use; turns for the same
// companion are serialized on the registry's turn lock.
type Flow struct {
	gen      llm.TextGenerator
	store    memory.Store
	machines *statemachine.Registry

	logger        *zap.Logger
	callTimeout   time.Duration
	retry         llm.RetryPolicy
	threshold     float64
	limits        Limits
	windowTurns   int
	profileType   string
	companionName string
	newID         func() string
}

// New creates a Flow over its three collaborators.
func New(gen llm.TextGenerator, store memory.Store, machines *statemachine.Registry, opts ...Option) *Flow {
	f := &Flow{gen: gen, store: store, machines: machines}
	defaults(f)
	for _, opt := range opts {
		opt(f)
	}
	if f.retry.Logger == nil {
		f.retry.Logger = f.logger
	}
	return f
}

// Process runs one turn with a non-streamed reply.
func (f *Flow) Process(ctx context.Context, t Turn) (*Result, error) {
	return f.run(ctx, t, nil)
}

// ProcessStream runs one turn and streams the reply through onChunk as it
// is generated. When the finished reply breaks the evidence policy the
// Result carries the fallback instead of the streamed text.
func (f *Flow) ProcessStream(ctx context.Context, t Turn, onChunk func(string)) (*Result, error) {
	if onChunk == nil {
		onChunk = func(string) {}
	}
	return f.run(ctx, t, onChunk)
}

// turnRun carries the state of one turn between stages.
type turnRun struct {
	f       *Flow
	t       Turn
	window  []memory.Message
	onChunk func(string)
	res     *Result
	logger  *zap.Logger
}

type stageFunc func(ctx context.Context) (defaulted bool, err error)

func (f *Flow) run(ctx context.Context, t Turn, onChunk func(string)) (*Result, error) {
	start := time.Now()

	t, window, err := f.input(t)
	if err != nil {
		return nil, err
	}
	r := &turnRun{
		f:       f,
		t:       t,
		window:  window,
		onChunk: onChunk,
		res: &Result{
			TurnID:      t.TurnID,
			CompanionID: t.CompanionID,
			UserID:      t.UserID,
		},
		logger: f.logger.With(
			zap.String("turn_id", t.TurnID),
			zap.String("companion_id", t.CompanionID),
			zap.String("user_id", t.UserID)),
	}
	r.res.Stages = append(r.res.Stages, StageReport{Stage: StageInput, Duration: time.Since(start)})

	release, err := f.machines.Acquire(ctx, t.CompanionID)
	if err != nil {
		return nil, err
	}
	defer release()

	stages := []struct {
		stage Stage
		fn    stageFunc
	}{
		{StageEmotion, r.emotion},
		{StageStateTransition, r.transition},
		{StageRecallQuery, r.recallQuery},
		{StageEvidenceClassify, r.classify},
		{StageSubjectiveRecall, r.subjectiveRecall},
		{StageVerify, r.verify},
		{StageStabilize, r.stabilize},
		{StageRespond, r.respond},
		{StageFeedbackFilter, r.feedback},
		{StageConsolidate, r.consolidate},
	}
	for _, s := range stages {
		if err := r.do(ctx, s.stage, s.fn); err != nil {
			r.logger.Info("turn aborted", zap.String("stage", string(s.stage)), zap.Error(err))
			return nil, err
		}
	}

	r.res.Stages = append(r.res.Stages, StageReport{Stage: StageDone, Duration: time.Since(start)})
	r.logger.Info("turn complete",
		zap.String("evidence", string(r.res.Verdict.Level)),
		zap.Int("fragments", r.res.Verdict.FragmentCount),
		zap.Int("stable", len(r.res.Stable)),
		zap.Bool("consolidated", r.res.Consolidation.Written),
		zap.Duration("duration", time.Since(start)))
	return r.res, nil
}

// do runs one stage, records its report and reports whether the turn may
// continue.
func (r *turnRun) do(ctx context.Context, s Stage, fn stageFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	defaulted, err := fn(ctx)
	rep := StageReport{Stage: s, Defaulted: defaulted, Duration: time.Since(start)}
	if err != nil {
		rep.Error = err.Error()
		r.logger.Warn("stage recovered with default",
			zap.String("stage", string(s)),
			zap.Bool("defaulted", defaulted),
			zap.Error(err))
	}
	r.res.Stages = append(r.res.Stages, rep)
	return ctx.Err()
}

// input validates the turn and cuts the conversation window.
func (f *Flow) input(t Turn) (Turn, []memory.Message, error) {
	t.Message = strings.TrimSpace(t.Message)
	t.UserID = strings.TrimSpace(t.UserID)
	t.CompanionID = strings.TrimSpace(t.CompanionID)
	switch {
	case t.Message == "":
		return t, nil, fmt.Errorf("%w: message is required", ErrInvalidTurn)
	case t.UserID == "":
		return t, nil, fmt.Errorf("%w: user id is required", ErrInvalidTurn)
	case t.CompanionID == "":
		return t, nil, fmt.Errorf("%w: companion id is required", ErrInvalidTurn)
	}
	if t.AssistantID == "" {
		t.AssistantID = DefaultAssistantID
	}
	if t.TurnID == "" {
		t.TurnID = f.newID()
	}
	return t, Window(t.History, f.windowTurns), nil
}

// Window keeps the last n turns (2n messages) of history, skipping empty
// messages.
func Window(history []memory.Message, n int) []memory.Message {
	if n <= 0 {
		return nil
	}
	out := make([]memory.Message, 0, 2*n)
	for i := len(history) - 1; i >= 0 && len(out) < 2*n; i-- {
		if strings.TrimSpace(history[i].Content) == "" {
			continue
		}
		out = append(out, history[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (r *turnRun) emotion(ctx context.Context) (bool, error) {
	r.res.Emotion = statemachine.NeutralEmotion()

	req := llm.EmotionPrompt(r.t.Message, r.window)
	var parsed *llm.EmotionResponse
	err := r.f.retry.Do(ctx, "emotion", func(ctx context.Context) error {
		text, err := r.f.generate(ctx, req)
		if err != nil {
			return err
		}
		parsed, err = llm.ParseEmotion(text)
		return err
	})
	if err != nil {
		return true, fmt.Errorf("ground emotion: %w", err)
	}
	r.res.Emotion = statemachine.EmotionSignal{
		Sentiment: parsed.Sentiment,
		Energy:    parsed.Energy,
		Intensity: parsed.Intensity,
	}
	return false, nil
}

func (r *turnRun) transition(context.Context) (bool, error) {
	sig := statemachine.Signals{Emotion: r.res.Emotion}
	if r.t.Interaction != nil {
		sig.Interaction = *r.t.Interaction
	}
	if sig.Interaction.Sentiment == "" {
		sig.Interaction.Sentiment = r.res.Emotion.Sentiment
	}

	step := r.f.machines.Machine(r.t.CompanionID).Step(sig)
	r.res.Before = step.Before
	r.res.States = step.After
	r.res.Constraints = step.Constraints
	r.res.Actions = DeriveActions(step.After, step.Constraints)
	return false, nil
}

// recallQuery searches the three partitions in parallel. A failed
// partition contributes no fragments.
func (r *turnRun) recallQuery(ctx context.Context) (bool, error) {
	queries := r.f.partitionQueries(r.t)
	parts := make([]PartitionResult, len(queries))

	var g errgroup.Group
	for i, q := range queries {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.f.callTimeout)
			defer cancel()

			parts[i] = PartitionResult{Collection: q.collection}
			frags, err := r.f.store.Search(cctx, q.collection, q.req)
			if err != nil {
				parts[i].Error = err.Error()
				return nil
			}
			for j := range frags {
				if frags[j].Collection == "" {
					frags[j].Collection = q.collection
				}
			}
			parts[i].Fragments = frags
			return nil
		})
	}
	_ = g.Wait()
	r.res.Partitions = parts

	var errs []error
	for _, p := range parts {
		if p.Error != "" {
			errs = append(errs, fmt.Errorf("search %s: %s", p.Collection, p.Error))
		}
	}
	if len(errs) > 0 {
		return true, errors.Join(errs...)
	}
	return false, nil
}

func (r *turnRun) classify(context.Context) (bool, error) {
	frags := r.res.Fragments()
	r.res.Verdict = recall.Classify(frags, r.f.threshold)
	r.res.Policy = recall.PolicyFor(r.res.Verdict.Level)
	r.res.Citations = recall.Cite(r.res.Verdict, frags)
	return false, nil
}

func (r *turnRun) subjectiveRecall(ctx context.Context) (bool, error) {
	req := llm.SubjectiveRecallPrompt(llm.RecallPrompt{
		Query:       r.t.Message,
		Window:      r.window,
		Fragments:   r.res.Fragments(),
		Constraints: r.res.Constraints.Map(),
		Level:       string(r.res.Verdict.Level),
	})
	text, err := r.f.generate(ctx, req)
	if err != nil {
		return true, fmt.Errorf("subjective recall: %w", err)
	}
	r.res.SubjectiveRecall = strings.TrimSpace(text)
	return false, nil
}

func (r *turnRun) verify(context.Context) (bool, error) {
	r.res.Verified, r.res.Unverified = recall.Verify(r.res.Verdict, r.res.Fragments())
	return false, nil
}

func (r *turnRun) stabilize(context.Context) (bool, error) {
	s := recall.ParseStability(r.res.Constraints.MemoryStability)
	r.res.Stable, r.res.Decayed = recall.Split(r.res.Verified, r.res.Unverified, s)
	return false, nil
}

func (r *turnRun) respond(ctx context.Context) (bool, error) {
	policy := r.res.Policy
	r.res.Nickname = ExtractNickname(r.partition(memory.CollectionUser))

	req := llm.ResponsePromptRequest(llm.ResponsePrompt{
		Query:            r.t.Message,
		Window:           r.window,
		CompanionName:    r.f.companionName,
		Nickname:         r.res.Nickname,
		Constraints:      r.res.Constraints.Map(),
		Level:            string(policy.Level),
		Allowed:          policy.Allowed,
		Forbidden:        policy.Forbidden,
		Template:         policy.Template,
		Stable:           r.res.Stable,
		SubjectiveRecall: r.res.SubjectiveRecall,
	})

	var (
		text string
		err  error
	)
	if r.onChunk != nil {
		onChunk := r.onChunk
		if policy.Level != recall.StrongEvidence {
			onChunk = (&policyGuard{policy: policy, forward: r.onChunk}).write
		}
		text, err = r.f.stream(ctx, req, onChunk)
	} else {
		text, err = r.f.generate(ctx, req)
	}
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = llm.ErrEmptyResponse
	}
	if err != nil {
		r.res.Response = recall.Apology
		return true, fmt.Errorf("generate response: %w", err)
	}
	if err := policy.Check(text); err != nil {
		r.res.Response = policy.Fallback
		return true, err
	}
	r.res.Response = text
	return false, nil
}

// policyGuard forwards streamed text only while everything received so far
// passes the policy. Text that fails is held back and released if a later
// chunk makes the reply acceptable again, as a hedge does for WEAK_EVIDENCE.
type policyGuard struct {
	policy  recall.Policy
	forward func(string)
	seen    strings.Builder
	held    strings.Builder
}

func (g *policyGuard) write(chunk string) {
	g.seen.WriteString(chunk)
	g.held.WriteString(chunk)
	if g.policy.Check(g.seen.String()) != nil {
		return
	}
	g.forward(g.held.String())
	g.held.Reset()
}

func (r *turnRun) feedback(context.Context) (bool, error) {
	r.res.Feedback = recall.FilterFeedback(r.res.Stable)
	return false, nil
}

// consolidate writes at most one durable memory for (companion, user).
// Failures are reported on the result and never abort the turn.
func (r *turnRun) consolidate(ctx context.Context) (bool, error) {
	c := &r.res.Consolidation
	c.Decision = recall.Decide(r.res.Feedback.VerifiedTraces)
	if !c.Decision.ShouldWrite {
		return false, nil
	}

	var errs []error
	prior, err := r.f.prior(ctx, r.t, c.Decision.MemoryText)
	if err != nil {
		errs = append(errs, fmt.Errorf("read prior memory: %w", err))
	}
	c.Prior = prior

	merged := c.Decision.MemoryText
	if prior != "" {
		m, err := r.f.merge(ctx, prior, c.Decision.MemoryText)
		if err != nil {
			errs = append(errs, fmt.Errorf("merge memory: %w", err))
			merged, c.MergedBy = recall.Concat(prior, c.Decision.MemoryText), MergedByConcat
		} else {
			merged, c.MergedBy = m, MergedByModel
		}
	}

	cctx, cancel := context.WithTimeout(ctx, r.f.callTimeout)
	defer cancel()
	wr, err := r.f.store.UpsertProfile(cctx, memory.CollectionDog, memory.ProfileWrite{
		SubjectID:   r.t.CompanionID,
		ScopeID:     r.t.UserID,
		ProfileType: r.f.profileType,
		Content:     merged,
		Metadata: map[string]any{
			"turn_id":        r.t.TurnID,
			"session_id":     r.t.SessionID,
			"trace_count":    c.Decision.TraceCount,
			"evidence_level": string(r.res.Verdict.Level),
			"merged_by":      c.MergedBy,
		},
	})
	if err != nil {
		c.Error = err.Error()
		errs = append(errs, fmt.Errorf("upsert durable memory: %w", err))
		return true, errors.Join(errs...)
	}
	c.Merged = merged
	c.Written = true
	c.WriteID = wr.ID
	if len(errs) > 0 {
		return true, errors.Join(errs...)
	}
	return false, nil
}

// partition returns the fragments retrieved from c.
func (r *turnRun) partition(c memory.Collection) []memory.Fragment {
	for _, p := range r.res.Partitions {
		if p.Collection == c {
			return p.Fragments
		}
	}
	return nil
}

// generate makes one bounded, non-streamed call.
func (f *Flow) generate(ctx context.Context, req llm.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()
	req.Timeout = f.callTimeout
	return f.gen.Generate(ctx, req)
}

// stream makes one bounded, streamed call and forwards every piece.
func (f *Flow) stream(ctx context.Context, req llm.Request, onChunk func(string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()
	req.Timeout = f.callTimeout
	ch, err := f.gen.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	return llm.Collect(ctx, ch, onChunk)
}

// prior fetches the durable memory for (companion, user). Stores that
// cannot read a profile by key are searched instead.
func (f *Flow) prior(ctx context.Context, t Turn, query string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	if pr, ok := f.store.(memory.ProfileReader); ok {
		frag, err := pr.GetProfile(ctx, memory.CollectionDog, t.CompanionID, t.UserID, f.profileType)
		if errors.Is(err, memory.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return frag.Content, nil
	}

	frags, err := f.store.Search(ctx, memory.CollectionDog, memory.SearchRequest{
		Query:       query,
		SubjectID:   t.CompanionID,
		ScopeID:     t.UserID,
		Limit:       1,
		Types:       []memory.MemoryType{memory.TypeProfile},
		ProfileType: f.profileType,
	})
	if err != nil {
		return "", err
	}
	if len(frags) == 0 {
		return "", nil
	}
	return frags[0].Content, nil
}

// merge folds traces into prior through a retried decision call.
func (f *Flow) merge(ctx context.Context, prior, traces string) (string, error) {
	req := llm.MergePrompt(prior, traces)
	var out string
	err := f.retry.Do(ctx, "merge", func(ctx context.Context) error {
		text, err := f.generate(ctx, req)
		if err != nil {
			return err
		}
		m, err := llm.ParseMerge(text)
		if err != nil {
			return err
		}
		out = m.MemoryText
		if m.IsDuplicate {
			out = prior
		}
		return nil
	})
	return out, err
}
