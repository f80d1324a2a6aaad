// Package monitor serves a read-only JSON view of a session and its
// devices over HTTP, for poking at a running stream with curl.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/openinstrument/smu/pkg/smu"
	"github.com/openinstrument/smu/pkg/smu/device"
)

type Server struct {
	session *smu.Session
	srv     *http.Server
}

type sessionStatus struct {
	ActiveDevices int      `json:"active_devices"`
	BoundDevices  []string `json:"bound_devices"`
	QueueSize     int      `json:"queue_size"`
	Cancelled     bool     `json:"cancelled"`
}

type deviceStatus struct {
	device.Info
	Serial     string               `json:"serial"`
	FWVersion  string               `json:"fw_version"`
	HWVersion  string               `json:"hw_version"`
	State      string               `json:"state"`
	Channels   []device.ChannelInfo `json:"channels"`
	Statistics device.Statistics    `json:"statistics"`
}

func NewServer(session *smu.Session, port int) *Server {
	return &Server{
		session: session,
		srv:     &http.Server{Addr: fmt.Sprintf(":%d", port)},
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.srv.Shutdown(context.Background())
	}()

	s.srv.Handler = s.handler()
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handler() http.Handler {
	handler := httprouter.New()

	handler.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Location", "/session")
		w.WriteHeader(http.StatusFound)
	})

	handler.GET("/session", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		devs := s.session.Devices()
		serials := make([]string, 0, len(devs))
		for _, dev := range devs {
			serials = append(serials, dev.Serial())
		}
		writeJSON(w, sessionStatus{
			ActiveDevices: s.session.ActiveCount(),
			BoundDevices:  serials,
			QueueSize:     s.session.QueueSize(),
			Cancelled:     s.session.Cancelled(),
		})
	})

	handler.GET("/devices", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		devs := s.session.Devices()
		out := make([]deviceStatus, 0, len(devs))
		for _, dev := range devs {
			out = append(out, describe(dev))
		}
		writeJSON(w, out)
	})

	handler.GET("/devices/:serial", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		dev, err := s.session.GetDevice(params.ByName("serial"))
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, describe(dev))
	})

	return handler
}

func describe(dev device.Device) deviceStatus {
	info := dev.Info()
	channels := make([]device.ChannelInfo, 0, info.Channels)
	for i := 0; i < info.Channels; i++ {
		ci, err := dev.ChannelInfo(i)
		if err != nil {
			continue
		}
		channels = append(channels, ci)
	}
	return deviceStatus{
		Info:       info,
		Serial:     dev.Serial(),
		FWVersion:  dev.FWVersion(),
		HWVersion:  dev.HWVersion(),
		State:      dev.State().String(),
		Channels:   channels,
		Statistics: dev.Statistics(),
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
