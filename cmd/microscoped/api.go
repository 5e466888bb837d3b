package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jasonwbarnett/fileserver"

	"github.com/skilledcamman/microscope/autofocus"
)

// Stage is the slice of the controller the API needs.
type Stage interface {
	Console(cmd string) (string, error)
}

// Focuser runs one autofocus sweep.
type Focuser interface {
	Run(ctx context.Context, opt autofocus.Options) (*autofocus.Result, error)
}

type stateEvent struct {
	Event     string            `json:"event"`
	Detection bool              `json:"detection"`
	Result    *autofocus.Result `json:"result,omitempty"`
}

type api struct {
	http.Handler

	cfg   Config
	stage Stage
	focus Focuser

	// gate serializes serial access: one sweep or one console
	// command at a time. Interleaved writes corrupt the half-duplex
	// line, so nothing else may talk while a sweep runs.
	gate sync.Mutex

	clog consoleLog

	mx        sync.Mutex
	detection bool

	sse *sse.Server

	wsMx    sync.Mutex
	wsConns map[*websocket.Conn]bool
}

func newAPI(cfg Config, st Stage, focus Focuser) *api {
	r := mux.NewRouter()

	a := &api{
		Handler: r,
		cfg:     cfg,
		stage:   st,
		focus:   focus,
		sse: sse.NewServer(&sse.Options{
			Logger: log.New(io.Discard, "", 0),
		}),
		wsConns: make(map[*websocket.Conn]bool),
	}

	r.HandleFunc("/api/autofocus", a.autofocus).Methods("POST")
	r.HandleFunc("/api/console", a.console).Methods("POST")
	r.HandleFunc("/api/console/log", a.getConsoleLog).Methods("GET")
	r.HandleFunc("/api/detection", a.toggleDetection).Methods("POST")
	r.HandleFunc("/ws", a.ws)
	r.PathPrefix("/events/").Handler(a.sse)
	r.PathPrefix("/data/").Handler(http.StripPrefix("/data", fileserver.New(http.Dir(cfg.DataDir))))

	return a
}

func (a *api) autofocus(w http.ResponseWriter, req *http.Request) {
	objective := 40
	if v := req.FormValue("objective"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid objective", http.StatusBadRequest)
			return
		}
		objective = n
	}
	mode := req.FormValue("mode")
	if mode == "" {
		mode = "medium"
	}

	stepSize, ok := a.cfg.StepSizes[mode]
	if !ok {
		http.Error(w, "unknown mode '"+mode+"'", http.StatusBadRequest)
		return
	}
	prof, ok := a.cfg.Objectives[strconv.Itoa(objective)]
	if !ok {
		http.Error(w, "unknown objective", http.StatusBadRequest)
		return
	}

	// Live detection reads the camera; pause it while the sweep owns
	// the device, resume afterwards.
	wasOn := a.setDetection(false)
	defer func() {
		if wasOn {
			a.setDetection(true)
		}
	}()

	a.gate.Lock()
	res, err := a.focus.Run(req.Context(), autofocus.Options{
		Objective:     objective,
		StepSize:      stepSize,
		SweepSpeed:    prof.Speed,
		FallbackLimit: prof.FallbackLimit,
	})
	a.gate.Unlock()

	label := fmt.Sprintf("AUTOFOCUS (%dx %s)", objective, mode)
	if err != nil {
		log.Printf("ERROR: autofocus: %+v", err)
		a.clog.append(label, "Error: "+err.Error())
		http.Error(w, err.Error(), 500)
		return
	}
	a.clog.append(label, fmt.Sprintf("frames=%d best_idx=%d best_step=%d best_score=%.2f",
		res.Frames, res.BestIndex, res.BestStep, res.BestScore))
	a.pushState(stateEvent{Event: "autofocus", Detection: a.detectionEnabled(), Result: res})

	err = json.NewEncoder(w).Encode(res)
	if err != nil {
		log.Println("ERROR: encode:", err)
	}
}

// runConsole serializes one console command against the serial line
// and records it in the rolling log.
func (a *api) runConsole(cmd string) string {
	a.gate.Lock()
	out, err := a.stage.Console(cmd)
	a.gate.Unlock()
	if err != nil {
		out = "Error: " + err.Error()
	}
	a.clog.append(cmd, out)
	return out
}

func (a *api) console(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Cmd string `json:"cmd"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body.Cmd = strings.TrimSpace(body.Cmd)
	if body.Cmd == "" {
		http.Error(w, "empty command", http.StatusBadRequest)
		return
	}

	out := a.runConsole(body.Cmd)
	err := json.NewEncoder(w).Encode(map[string]string{"output": out})
	if err != nil {
		log.Println("ERROR: encode:", err)
	}
}

func (a *api) getConsoleLog(w http.ResponseWriter, req *http.Request) {
	err := json.NewEncoder(w).Encode(map[string]interface{}{"log": a.clog.snapshot()})
	if err != nil {
		log.Println("ERROR: encode:", err)
	}
}

func (a *api) detectionEnabled() bool {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.detection
}

// setDetection stores the flag and returns the previous value,
// pushing a state event on change.
func (a *api) setDetection(on bool) bool {
	a.mx.Lock()
	prev := a.detection
	a.detection = on
	a.mx.Unlock()
	if prev != on {
		a.pushState(stateEvent{Event: "detection", Detection: on})
	}
	return prev
}

func (a *api) toggleDetection(w http.ResponseWriter, req *http.Request) {
	on := !a.detectionEnabled()
	a.setDetection(on)
	err := json.NewEncoder(w).Encode(map[string]bool{"enabled": on})
	if err != nil {
		log.Println("ERROR: encode:", err)
	}
}

func (a *api) pushState(ev stateEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("ERROR: marshal json: %+v", err)
		return
	}
	a.sse.SendMessage("/events/state", sse.SimpleMessage(string(data)))
	a.wsBroadcast(data)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// ws streams state events to the dashboard and accepts console
// commands as text messages, replying with the controller output.
func (a *api) ws(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Println("ERROR: upgrade:", err)
		return
	}
	a.wsMx.Lock()
	a.wsConns[conn] = true
	a.wsMx.Unlock()
	defer func() {
		a.wsMx.Lock()
		delete(a.wsConns, conn)
		a.wsMx.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(string(data))
		if cmd == "" {
			continue
		}
		out := a.runConsole(cmd)
		if err := a.wsWrite(conn, []byte(out)); err != nil {
			return
		}
	}
}

// wsWrite guards against a reply racing a broadcast on the same
// connection.
func (a *api) wsWrite(conn *websocket.Conn, data []byte) error {
	a.wsMx.Lock()
	defer a.wsMx.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (a *api) wsBroadcast(data []byte) {
	a.wsMx.Lock()
	defer a.wsMx.Unlock()
	for conn := range a.wsConns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Println("ERROR: ws send:", err)
			conn.Close()
			delete(a.wsConns, conn)
		}
	}
}
