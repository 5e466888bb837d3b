package autofocus

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/skilledcamman/microscope/camera"
	"github.com/skilledcamman/microscope/stage"
)

type fakeStage struct {
	limit   int
	limitOK bool
	homed   bool

	objective int
	speed     int
	pos       int
	maxPos    int
	moves     []int
	released  bool
	confirmed bool
}

var _ stage.Controller = &fakeStage{}

func (s *fakeStage) SelectObjective(n int) error { s.objective = n; return nil }
func (s *fakeStage) SetSweepSpeed(n int) error   { s.speed = n; return nil }
func (s *fakeStage) Home(ctx context.Context) (bool, error) {
	s.pos = 0
	return s.homed, nil
}
func (s *fakeStage) Query() (stage.Status, error) {
	return stage.Status{
		Position: s.pos, PositionOK: true,
		MaxLimit: s.limit, MaxLimitOK: s.limitOK,
		Homed: s.homed,
	}, nil
}
func (s *fakeStage) MoveRelative(n int) error {
	s.moves = append(s.moves, n)
	s.pos += n
	if s.pos > s.maxPos {
		s.maxPos = s.pos
	}
	return nil
}
func (s *fakeStage) ConfirmMove(ctx context.Context, last int, haveLast bool) (stage.Confirmation, error) {
	return stage.Confirmation{Position: s.pos, Known: true, Confirmed: s.confirmed}, nil
}
func (s *fakeStage) Release() error { s.released = true; return nil }

type fakeCamera struct {
	frames []image.Image
	idx    int
	closed bool
}

func (c *fakeCamera) Grab() (image.Image, error) {
	if c.idx >= len(c.frames) {
		return nil, errors.New("no frame")
	}
	img := c.frames[c.idx]
	c.idx++
	return img, nil
}
func (c *fakeCamera) Close() error { c.closed = true; return nil }

func flatFrame() image.Image {
	g := image.NewGray(image.Rect(0, 0, 32, 32))
	for i := range g.Pix {
		g.Pix[i] = 128
	}
	return g
}

func sharpFrame() image.Image {
	g := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			if (x/4+y/4)%2 == 0 {
				g.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return g
}

// frameSet builds n frames, all flat except the one at sharpAt.
func frameSet(n, sharpAt int) []image.Image {
	frames := make([]image.Image, n)
	for i := range frames {
		if i == sharpAt {
			frames[i] = sharpFrame()
		} else {
			frames[i] = flatFrame()
		}
	}
	return frames
}

func newSweeper(t *testing.T, st stage.Controller, cam *fakeCamera) *Sweeper {
	return &Sweeper{
		Stage:   st,
		Camera:  func() (camera.Device, error) { return cam, nil },
		DataDir: t.TempDir(),
		sleep:   func(context.Context, time.Duration) error { return nil },
	}
}

func TestSweeper_BestFocusCorrection(t *testing.T) {
	// 21 frames at positions 0..4000, sharpest at 3400; the sweep
	// ends at 4000 so the corrective move is -600
	st := &fakeStage{limit: 4000, limitOK: true, homed: true}
	cam := &fakeCamera{frames: frameSet(21, 17)}
	s := newSweeper(t, st, cam)

	res, err := s.Run(context.Background(), Options{Objective: 40, StepSize: 200, SweepSpeed: 12})
	assert.NoError(t, err)

	assert.Equal(t, 21, res.Frames)
	assert.Equal(t, 17, res.BestIndex)
	assert.Equal(t, 3400, res.BestStep)
	assert.True(t, res.BestScore > 0)
	assert.Equal(t, 40, res.Objective)
	assert.Equal(t, 200, res.StepSize)

	assert.Equal(t, 40, st.objective)
	assert.Equal(t, 12, st.speed)
	assert.Equal(t, -600, st.moves[len(st.moves)-1])
	assert.True(t, st.released)
	assert.True(t, cam.closed)

	// every sweep step moves forward and stays within the limit
	for _, m := range st.moves[:len(st.moves)-1] {
		assert.Equal(t, 200, m)
	}
	assert.True(t, st.maxPos <= 4000)
	assert.Empty(t, res.Warnings)
}

func TestSweeper_FallbackLimit(t *testing.T) {
	// no limit reported: the conservative fallback bounds the sweep
	st := &fakeStage{limitOK: false, homed: true}
	cam := &fakeCamera{frames: frameSet(4, 2)}
	s := newSweeper(t, st, cam)

	res, err := s.Run(context.Background(), Options{StepSize: 200, FallbackLimit: 600})
	assert.NoError(t, err)
	assert.Equal(t, 4, res.Frames)
	assert.Equal(t, 2, res.BestIndex)
	assert.Equal(t, 400, res.BestStep)

	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "fallback") {
			found = true
		}
	}
	assert.True(t, found, "missing travel limit must be surfaced")
}

func TestSweeper_UnconfirmedHome(t *testing.T) {
	st := &fakeStage{limit: 400, limitOK: true, homed: false}
	cam := &fakeCamera{frames: frameSet(3, 0)}
	s := newSweeper(t, st, cam)

	res, err := s.Run(context.Background(), Options{StepSize: 200})
	assert.NoError(t, err)

	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "homing") {
			found = true
		}
	}
	assert.True(t, found, "unconfirmed home must be surfaced, not silent")
}

func TestSweeper_ZeroFrames(t *testing.T) {
	st := &fakeStage{limit: 4000, limitOK: true, homed: true}
	cam := &fakeCamera{} // first grab fails
	s := newSweeper(t, st, cam)

	_, err := s.Run(context.Background(), Options{StepSize: 500})
	assert.Equal(t, ErrNoFrames, err)
	// degenerate session: no corrective move was issued
	assert.Empty(t, st.moves)
	assert.False(t, st.released)
	assert.True(t, cam.closed)
}

func TestSweeper_PartialSweep(t *testing.T) {
	// the camera dies after 3 frames; the sweep still scores what it
	// has and corrects back to the sharpest of those
	st := &fakeStage{limit: 4000, limitOK: true, homed: true}
	cam := &fakeCamera{frames: frameSet(3, 1)}
	s := newSweeper(t, st, cam)

	res, err := s.Run(context.Background(), Options{StepSize: 500})
	assert.NoError(t, err)
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, 1, res.BestIndex)
	assert.Equal(t, 500, res.BestStep)
	assert.Equal(t, -500, st.moves[len(st.moves)-1])

	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "capture stopped early") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSweeper_ConfirmMoves(t *testing.T) {
	st := &fakeStage{limit: 400, limitOK: true, homed: true, confirmed: false}
	cam := &fakeCamera{frames: frameSet(3, 0)}
	s := newSweeper(t, st, cam)
	s.ConfirmMoves = true

	res, err := s.Run(context.Background(), Options{StepSize: 200})
	assert.NoError(t, err)

	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "not confirmed") {
			found = true
		}
	}
	assert.True(t, found, "unconfirmed steps must be surfaced")
}

func TestSweeper_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := &fakeStage{limit: 4000, limitOK: true, homed: true}
	cam := &fakeCamera{frames: frameSet(5, 0)}
	s := newSweeper(t, st, cam)

	_, err := s.Run(ctx, Options{StepSize: 500})
	assert.Equal(t, context.Canceled, err)
	assert.True(t, cam.closed, "camera must be released on cancellation")
}

func TestSweeper_RejectsBadStepSize(t *testing.T) {
	s := newSweeper(t, &fakeStage{}, &fakeCamera{})
	_, err := s.Run(context.Background(), Options{StepSize: 0})
	assert.Error(t, err)
}
