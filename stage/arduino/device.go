package arduino

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/skilledcamman/microscope/stage"
)

// Device drives the Arduino focus-stage firmware over a Conn.
//
// Protocol: single-letter ASCII commands, newline terminated.
//
//	S<n>  set pending step magnitude
//	U / D execute pending step up / down
//	G<n>  relative move by signed n steps
//	O<n>  select objective (4, 10, 40)
//	V<n>  set sweep speed
//	Z     home the axis
//	Q     query status
//	R     disengage motor
type Device struct {
	conn *Conn

	// ReplyWait is how long the reply window stays open after each
	// command. The firmware prints status asynchronously, so this is
	// a plain settling wait, not a response timeout.
	ReplyWait time.Duration

	HomePolls    int           // status polls while waiting for homing
	HomeInterval time.Duration // spacing between homing polls

	Confirm Confirmer
}

var _ stage.Controller = &Device{}

func NewDevice(rw io.ReadWriter) *Device {
	return &Device{
		conn:         NewConn(rw),
		ReplyWait:    time.Second,
		HomePolls:    60,
		HomeInterval: 500 * time.Millisecond,
	}
}

func (d *Device) send(cmd string) (stage.Status, error) {
	lines, err := d.conn.Send(cmd, d.ReplyWait)
	if err != nil {
		return stage.Status{}, err
	}
	return parseStatus(lines), nil
}

func (d *Device) SelectObjective(n int) error {
	_, err := d.send("O" + strconv.Itoa(n))
	return err
}

func (d *Device) SetSweepSpeed(n int) error {
	_, err := d.send("V" + strconv.Itoa(n))
	return err
}

// SetStepSize stores the pending step magnitude used by StepUp and
// StepDown.
func (d *Device) SetStepSize(n int) error {
	_, err := d.send("S" + strconv.Itoa(n))
	return err
}

func (d *Device) StepUp() error {
	_, err := d.send("U")
	return err
}

func (d *Device) StepDown() error {
	_, err := d.send("D")
	return err
}

func (d *Device) MoveRelative(steps int) error {
	_, err := d.send("G" + strconv.Itoa(steps))
	return err
}

func (d *Device) Query() (stage.Status, error) {
	return d.send("Q")
}

func (d *Device) Release() error {
	_, err := d.send("R")
	return err
}

// Home starts a homing cycle and polls for the completion marker.
// Firmware that finishes the cycle without ever printing the marker
// is common, so an expired wait is reported as unconfirmed, not
// failed; the caller decides whether to proceed.
func (d *Device) Home(ctx context.Context) (bool, error) {
	if _, err := d.send("Z"); err != nil {
		return false, err
	}
	polls := d.HomePolls
	if polls <= 0 {
		polls = 60
	}
	interval := d.HomeInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	for i := 0; i < polls; i++ {
		if err := sleepCtx(ctx, interval); err != nil {
			return false, err
		}
		st, err := d.Query()
		if err != nil {
			return false, err
		}
		if st.Homed {
			return true, nil
		}
	}
	return false, nil
}

// ConfirmMove polls until the reported position departs from last.
func (d *Device) ConfirmMove(ctx context.Context, last int, haveLast bool) (stage.Confirmation, error) {
	return d.Confirm.Wait(ctx, d.Query, last, haveLast)
}

// Console sends one free-text command over the shared line and
// returns the raw reply for the dashboard passthrough.
func (d *Device) Console(cmd string) (string, error) {
	lines, err := d.conn.Send(cmd, d.ReplyWait)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

func (d *Device) Close() error {
	return d.conn.Close()
}
