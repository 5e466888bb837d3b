package camera

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
)

// MJPEG reads frames from a multipart/x-mixed-replace JPEG stream,
// the interface USB microscope cameras usually expose over HTTP.
type MJPEG struct {
	resp *http.Response
	mr   *multipart.Reader
}

var _ Device = &MJPEG{}

// OpenMJPEG connects to the stream at url.
func OpenMJPEG(url string) (*MJPEG, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("camera stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.New("camera stream: " + resp.Status)
	}
	mt, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mt, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		return nil, errors.New("camera stream: not a multipart stream")
	}
	return &MJPEG{
		resp: resp,
		mr:   multipart.NewReader(resp.Body, params["boundary"]),
	}, nil
}

// Grab returns the next frame from the stream.
func (m *MJPEG) Grab() (image.Image, error) {
	part, err := m.mr.NextPart()
	if err != nil {
		return nil, err
	}
	defer part.Close()
	return jpeg.Decode(part)
}

func (m *MJPEG) Close() error {
	return m.resp.Body.Close()
}
