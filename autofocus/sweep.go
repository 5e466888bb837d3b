// Package autofocus runs the closed-loop focus sweep: home the
// stage, step through the full travel range capturing one frame per
// step, score every frame for sharpness, and command the stage back
// to the sharpest position.
package autofocus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/skilledcamman/microscope/camera"
	"github.com/skilledcamman/microscope/focus"
	"github.com/skilledcamman/microscope/stage"
	"github.com/skilledcamman/microscope/sweepfile"
)

// DefaultFallbackLimit bounds a sweep when the controller never
// reports its travel limit. Conservative on purpose: a short sweep
// beats driving the stage into its end stop.
const DefaultFallbackLimit = 9000

const defaultSettleWait = 1500 * time.Millisecond

// ErrNoFrames reports a sweep that captured nothing; no corrective
// move is issued for a degenerate session.
var ErrNoFrames = errors.New("autofocus: no frames captured")

// Options select the parameters for one sweep.
type Options struct {
	Objective  int // objective magnification (4, 10, 40)
	StepSize   int // steps between captured frames
	SweepSpeed int // controller speed setting for the sweep

	// FallbackLimit replaces DefaultFallbackLimit when set.
	FallbackLimit int
}

// Result reports one completed sweep.
type Result struct {
	SessionID string  `json:"session_id"`
	Frames    int     `json:"frames"`
	BestIndex int     `json:"best_idx"`
	BestScore float64 `json:"best_score"`
	BestStep  int     `json:"best_step"`
	Objective int     `json:"objective"`
	StepSize  int     `json:"step_size"`

	// Warnings carries the non-fatal degradations hit during the
	// sweep (unconfirmed home, missing travel limit, early capture
	// stop) so nothing degrades silently.
	Warnings []string `json:"warnings,omitempty"`

	// Artifact is the path of the captured frame sequence.
	Artifact string `json:"artifact,omitempty"`
}

func (r *Result) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
	log.Println("WARN: autofocus:", msg)
}

// Sweeper owns the stage and the camera for the duration of one Run.
// The caller must guarantee nothing else talks on the serial line or
// opens the camera while a run is in progress.
type Sweeper struct {
	Stage  stage.Controller
	Camera camera.Opener

	// DataDir receives one sweep artifact per session.
	DataDir string

	// SettleWait is the pause after each step command before the
	// next capture, letting vibration die down.
	SettleWait time.Duration

	// ConfirmMoves polls the controller after each step and records
	// a warning when the move never registers.
	ConfirmMoves bool

	// sleep can be replaced in tests to avoid real waiting.
	sleep func(context.Context, time.Duration) error
}

// Run executes one full sweep and returns the best-focus result. The
// context is checked once per capture iteration; on cancellation the
// camera and artifact are released and the context error returned.
func (s *Sweeper) Run(ctx context.Context, opt Options) (*Result, error) {
	if opt.StepSize <= 0 {
		return nil, errors.New("autofocus: step size must be positive")
	}

	res := &Result{
		SessionID: uuid.New().String(),
		BestIndex: -1,
		Objective: opt.Objective,
		StepSize:  opt.StepSize,
	}

	if err := s.Stage.SelectObjective(opt.Objective); err != nil {
		return nil, err
	}
	if err := s.Stage.SetSweepSpeed(opt.SweepSpeed); err != nil {
		return nil, err
	}

	homed, err := s.Stage.Home(ctx)
	if err != nil {
		return nil, err
	}
	if !homed {
		// Proceeding on an unconfirmed home is deliberate: some
		// firmware finishes the cycle without printing the marker,
		// and the sweep is still mechanically valid. Recorded so the
		// decision is visible upstream.
		res.warn("homing completion not confirmed; proceeding")
	}

	limit := opt.FallbackLimit
	if limit <= 0 {
		limit = DefaultFallbackLimit
	}
	st, err := s.Stage.Query()
	if err != nil {
		return nil, err
	}
	if st.MaxLimitOK {
		limit = st.MaxLimit
	} else {
		res.warn(fmt.Sprintf("controller did not report a travel limit; using fallback %d", limit))
	}

	positions, err := s.capture(ctx, opt, limit, res)
	if err != nil {
		return nil, err
	}
	res.Frames = len(positions)
	if len(positions) == 0 {
		return nil, ErrNoFrames
	}

	scores, err := scoreArtifact(res.Artifact)
	if err != nil {
		return nil, err
	}
	best, bestScore := focus.Best(scores)
	if best < 0 || best >= len(positions) {
		return nil, ErrNoFrames
	}
	res.BestIndex = best
	res.BestScore = bestScore
	res.BestStep = positions[best]

	// Corrective move: signed delta from where the sweep ended back
	// to the sharpest position.
	delta := positions[best] - positions[len(positions)-1]
	if err := s.Stage.MoveRelative(delta); err != nil {
		return nil, err
	}
	if err := s.Stage.Release(); err != nil {
		res.warn("motor release failed: " + err.Error())
	}
	return res, nil
}

// capture alternates frame grabs and relative steps until the travel
// limit, recording the step position of every frame. A dropped frame
// ends the loop early; whatever was captured still gets scored.
func (s *Sweeper) capture(ctx context.Context, opt Options, limit int, res *Result) ([]int, error) {
	cam, err := s.Camera()
	if err != nil {
		return nil, fmt.Errorf("open camera: %w", err)
	}
	defer cam.Close()

	res.Artifact = filepath.Join(s.DataDir, res.SessionID+".sweep")
	w, err := sweepfile.Create(res.Artifact)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	var positions []int
	pos := 0
	for pos <= limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := cam.Grab()
		if err != nil {
			res.warn("capture stopped early: " + err.Error())
			break
		}
		if err := w.WriteFrame(img); err != nil {
			return nil, err
		}
		positions = append(positions, pos)

		if pos+opt.StepSize > limit {
			break
		}
		if err := s.Stage.MoveRelative(opt.StepSize); err != nil {
			return nil, err
		}
		if err := s.settle(ctx); err != nil {
			return nil, err
		}
		if s.ConfirmMoves {
			conf, err := s.Stage.ConfirmMove(ctx, pos, true)
			if err != nil {
				return nil, err
			}
			if !conf.Confirmed {
				res.warn(fmt.Sprintf("step from %d not confirmed; proceeding", pos))
			}
		}
		pos += opt.StepSize
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return positions, nil
}

func (s *Sweeper) settle(ctx context.Context) error {
	wait := s.SettleWait
	if wait <= 0 {
		wait = defaultSettleWait
	}
	if s.sleep != nil {
		return s.sleep(ctx, wait)
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// scoreArtifact re-reads the artifact frame-by-frame so only one
// frame is decoded at a time.
func scoreArtifact(path string) ([]float64, error) {
	r, err := sweepfile.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var scores []float64
	for {
		img, err := r.ReadFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		scores = append(scores, focus.Score(img))
	}
	return scores, nil
}
