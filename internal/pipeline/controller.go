package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avatarlabs/avatar-broadcast/internal/animation"
	"github.com/avatarlabs/avatar-broadcast/internal/media"
	"github.com/avatarlabs/avatar-broadcast/internal/observability"
	"github.com/avatarlabs/avatar-broadcast/internal/synthesis"
	"github.com/avatarlabs/avatar-broadcast/internal/timeline"
)

// ErrQueueFull is returned by Submit when the utterance queue is at
// capacity.
var ErrQueueFull = errors.New("utterance queue full")

// ErrSessionClosed is returned by Submit after the session ended.
var ErrSessionClosed = errors.New("session closed")

// errUnderrunBudget marks an utterance detached by the timeline for
// exceeding its freeze-frame budget.
var errUnderrunBudget = errors.New("underrun budget exceeded")

// Options tunes controller behavior.
type Options struct {
	QueueCapacity   int
	MaxPrepare      int // Utterances prepared concurrently (look-ahead)
	FallbackEnabled bool
	FillerText      string
}

// job tracks one utterance through its lifecycle.
type job struct {
	id     string
	utt    *media.Utterance
	state  State
	ctx    context.Context
	cancel context.CancelFunc

	feed   *timeline.Feed
	stream *animation.Stream

	fallback bool // Prepared on the fallback engine tier
	filler   bool // Failure substitute; never spawns another filler
}

// Controller owns the utterance queue and drives jobs through
// synthesis, animation, and the timeline. FIFO among equal priority;
// an interrupt preempts whatever is streaming.
type Controller struct {
	opts      Options
	synth     *synthesis.Stage
	anim      *animation.Stage
	fbSynth   *synthesis.Stage
	fbAnim    *animation.Stage
	assembler *timeline.Assembler
	logger    zerolog.Logger

	baseCtx context.Context

	mu        sync.Mutex
	jobs      map[string]*job
	queue     []*job
	active    *job
	preparing int
	fillerSeg *media.AudioSegment
	closed    bool
}

// NewController wires the controller. The fallback stages may be nil,
// in which case failures are not substituted.
func NewController(opts Options, synth *synthesis.Stage, anim *animation.Stage, fbSynth *synthesis.Stage, fbAnim *animation.Stage, asm *timeline.Assembler, logger zerolog.Logger) *Controller {
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = 32
	}
	if opts.MaxPrepare < 1 {
		opts.MaxPrepare = 2
	}
	return &Controller{
		opts:      opts,
		synth:     synth,
		anim:      anim,
		fbSynth:   fbSynth,
		fbAnim:    fbAnim,
		assembler: asm,
		logger:    logger,
		jobs:      make(map[string]*job),
	}
}

// Run consumes assembler events until ctx is cancelled. Job contexts
// derive from ctx, so cancelling it tears down all in-flight work.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	c.prerenderFiller(ctx)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case ev := <-c.assembler.Events():
			c.handleEvent(ev)
		}
	}
}

// Submit queues an utterance and returns its ID. Interrupt priority
// jumps the queue and will preempt the streaming utterance once its
// media is ready.
func (c *Controller) Submit(text string, priority media.Priority) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrSessionClosed
	}
	if len(c.queue) >= c.opts.QueueCapacity {
		c.mu.Unlock()
		return "", ErrQueueFull
	}

	utt := &media.Utterance{
		ID:        observability.NewID(),
		Text:      text,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
	j := c.newJobLocked(utt)

	if priority == media.PriorityInterrupt {
		c.queue = append([]*job{j}, c.queue...)
	} else {
		c.queue = append(c.queue, j)
	}
	c.mu.Unlock()

	observability.RecordUtteranceStart()
	c.logger.Info().
		Str("utterance_id", j.id).
		Str("priority", priorityString(priority)).
		Int("queue_depth", c.QueueDepth()).
		Msg("Utterance submitted")

	c.schedule()
	return j.id, nil
}

// Cancel stops an utterance wherever it is. Unknown or finished IDs
// are a no-op, so repeated cancels are safe.
func (c *Controller) Cancel(id string) {
	c.mu.Lock()
	j, ok := c.jobs[id]
	if !ok || j.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(j, StateCancelled)
	c.removeQueuedLocked(j)
	wasActive := c.active == j
	if wasActive {
		c.active = nil
	}
	c.mu.Unlock()

	j.cancel()
	if wasActive {
		c.assembler.CancelActive(id)
	}
	observability.RecordUtteranceEnd("cancelled")
	c.logger.Info().Str("utterance_id", id).Msg("Utterance cancelled")
	c.schedule()
}

// State reports an utterance's current lifecycle state.
func (c *Controller) State(id string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return 0, false
	}
	return j.state, true
}

// QueueDepth returns the number of utterances waiting or preparing.
func (c *Controller) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Controller) newJobLocked(utt *media.Utterance) *job {
	base := c.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	j := &job{
		id:     utt.ID,
		utt:    utt,
		state:  StateQueued,
		ctx:    ctx,
		cancel: cancel,
	}
	c.jobs[j.id] = j
	return j
}

// schedule starts preparation workers and hands ready feeds to the
// timeline. Called after every state change.
func (c *Controller) schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Drop finished jobs that are still queued (cancelled mid-queue).
	live := c.queue[:0]
	for _, j := range c.queue {
		if !j.state.Terminal() {
			live = append(live, j)
		}
	}
	c.queue = live

	// Look-ahead: prepare the head and the next few while the current
	// utterance streams.
	for _, j := range c.queue {
		if c.preparing >= c.opts.MaxPrepare {
			break
		}
		if j.state == StateQueued {
			if err := c.setStateLocked(j, StateSynthesizing); err != nil {
				continue
			}
			c.preparing++
			go c.prepare(j)
		}
	}

	if len(c.queue) == 0 {
		return
	}
	head := c.queue[0]
	if head.feed == nil {
		return
	}

	switch {
	case c.active == nil:
		c.queue = c.queue[1:]
		c.active = head
		c.assembler.Begin(head.feed)
	case head.utt.Priority == media.PriorityInterrupt && c.active.utt.Priority != media.PriorityInterrupt:
		c.queue = c.queue[1:]
		c.active = head
		c.assembler.Preempt(head.feed)
	}
}

// prepare runs synthesis then animation for one job, off the
// controller goroutine. The feed is published only if the job is
// still live, so a cancelled utterance's output never reaches the
// timeline.
func (c *Controller) prepare(j *job) {
	defer func() {
		c.mu.Lock()
		c.preparing--
		c.mu.Unlock()
		c.schedule()
	}()

	synthStage, animStage := c.synth, c.anim
	if j.fallback {
		if c.fbSynth != nil {
			synthStage = c.fbSynth
		}
		if c.fbAnim != nil {
			animStage = c.fbAnim
		}
	}

	seg, err := synthStage.Synthesize(j.ctx, j.utt)
	if err != nil {
		c.fail(j, fmt.Errorf("synthesis: %w", err))
		return
	}

	c.mu.Lock()
	if err := c.setStateLocked(j, StateAnimating); err != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	stream, err := animStage.Start(j.ctx, seg, j.id)
	if err != nil {
		c.fail(j, fmt.Errorf("animation: %w", err))
		return
	}

	feed := &timeline.Feed{
		UtteranceID: j.id,
		Segment:     seg,
		Frames:      stream.Frames,
		Cancel:      j.cancel,
	}

	c.mu.Lock()
	if j.state.Terminal() || j.ctx.Err() != nil {
		c.mu.Unlock()
		j.cancel()
		return
	}
	j.feed = feed
	j.stream = stream
	c.mu.Unlock()
}

func (c *Controller) handleEvent(ev timeline.Event) {
	c.mu.Lock()
	j, ok := c.jobs[ev.UtteranceID]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch ev.Type {
	case timeline.EventStreaming:
		c.mu.Lock()
		c.setStateLocked(j, StateStreaming)
		c.mu.Unlock()

	case timeline.EventCompleted:
		c.mu.Lock()
		stream := j.stream
		c.mu.Unlock()
		if stream != nil && stream.Err() != nil {
			c.detachActive(j)
			c.fail(j, fmt.Errorf("frame stream: %w", stream.Err()))
			return
		}
		c.mu.Lock()
		c.setStateLocked(j, StateCompleted)
		c.mu.Unlock()
		c.detachActive(j)
		observability.RecordUtteranceEnd("completed")
		c.logger.Info().Str("utterance_id", j.id).Msg("Utterance completed")
		c.schedule()

	case timeline.EventUnderrunExceeded:
		c.detachActive(j)
		c.fail(j, errUnderrunBudget)

	case timeline.EventPreempted:
		c.mu.Lock()
		c.setStateLocked(j, StateCancelled)
		c.mu.Unlock()
		j.cancel()
		observability.RecordUtteranceEnd("preempted")
		c.logger.Info().Str("utterance_id", j.id).Msg("Utterance preempted")
	}
}

func (c *Controller) detachActive(j *job) {
	c.mu.Lock()
	if c.active == j {
		c.active = nil
	}
	c.mu.Unlock()
}

// fail marks a job failed and, when fallback is enabled, queues a
// pre-rendered filler so the avatar does not go dark.
func (c *Controller) fail(j *job, err error) {
	c.mu.Lock()
	if j.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(j, StateFailed)
	c.removeQueuedLocked(j)
	needFiller := c.opts.FallbackEnabled && !j.filler && c.fillerSeg != nil && !c.closed
	if needFiller {
		filler := c.newJobLocked(&media.Utterance{
			ID:        observability.NewID(),
			Text:      c.opts.FillerText,
			Audio:     c.fillerSeg,
			CreatedAt: time.Now(),
		})
		filler.fallback = true
		filler.filler = true
		c.queue = append([]*job{filler}, c.queue...)
	}
	c.mu.Unlock()

	j.cancel()
	observability.RecordUtteranceEnd("failed")
	c.logger.Error().
		Err(err).
		Str("utterance_id", j.id).
		Bool("filler_queued", needFiller).
		Msg("Utterance failed")
	c.schedule()
}

// prerenderFiller synthesizes the filler segment once on the fallback
// tier so failure substitution is instant.
func (c *Controller) prerenderFiller(ctx context.Context) {
	if !c.opts.FallbackEnabled || c.opts.FillerText == "" {
		return
	}
	stage := c.fbSynth
	if stage == nil {
		stage = c.synth
	}
	seg, err := stage.Synthesize(ctx, &media.Utterance{
		ID:   observability.NewID(),
		Text: c.opts.FillerText,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Filler pre-render failed, fallback disabled")
		return
	}
	c.mu.Lock()
	c.fillerSeg = seg
	c.mu.Unlock()
}

func (c *Controller) removeQueuedLocked(j *job) {
	for i, q := range c.queue {
		if q == j {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *Controller) setStateLocked(j *job, to State) error {
	next, err := transition(j.state, to)
	if err != nil {
		return err
	}
	j.state = next
	if next.Terminal() {
		c.releaseLocked(j)
	}
	return nil
}

// releaseLocked drops a finished job's media so a long-running session
// does not accumulate PCM segments and frame channels. The entry stays
// in jobs as a state tombstone, keeping State and repeated Cancel
// lookups answering for finished utterances.
func (c *Controller) releaseLocked(j *job) {
	j.feed = nil
	j.stream = nil
	if j.utt != nil {
		j.utt.Audio = nil
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	c.closed = true
	jobs := make([]*job, 0, len(c.jobs))
	for _, j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
	}
}

func priorityString(p media.Priority) string {
	if p == media.PriorityInterrupt {
		return "interrupt"
	}
	return "normal"
}
