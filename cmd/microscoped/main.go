package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tarm/serial"

	"github.com/skilledcamman/microscope/autofocus"
	"github.com/skilledcamman/microscope/camera"
	"github.com/skilledcamman/microscope/stage/arduino"
)

func main() {
	log.SetFlags(log.Lshortfile)

	cfgPath := flag.String("config", "microscoped.toml", "Path to the TOML config file.")
	addr := flag.String("addr", "", "Address to bind the server to (overrides config).")
	port := flag.String("port", "", "Serial port of the focus controller (overrides config).")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *port != "" {
		cfg.Serial.Port = *port
	}

	ser, err := serial.OpenPort(&serial.Config{Name: cfg.Serial.Port, Baud: cfg.Serial.Baud})
	if err != nil {
		log.Fatal("open serial port: ", err)
	}

	dev := arduino.NewDevice(ser)
	defer dev.Close()

	// Opening the port resets the controller; let the firmware boot
	// before the first command.
	time.Sleep(4 * time.Second)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal(err)
	}

	sweeper := &autofocus.Sweeper{
		Stage: dev,
		Camera: func() (camera.Device, error) {
			return camera.OpenMJPEG(cfg.Camera.StreamURL)
		},
		DataDir:      cfg.DataDir,
		SettleWait:   time.Duration(cfg.Sweep.SettleMS) * time.Millisecond,
		ConfirmMoves: cfg.Sweep.ConfirmMoves,
	}

	api := newAPI(cfg, dev, sweeper)

	log.Println("Listening on", cfg.Addr)
	err = http.ListenAndServe(cfg.Addr, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		log.Printf("%s %s - %s", req.Method, req.URL.Path, req.RemoteAddr)
		api.ServeHTTP(w, req)
	}))
	if err != nil {
		log.Fatal(err)
	}
}
