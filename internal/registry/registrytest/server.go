// Package registrytest provides an in-memory registry server for tests.
package registrytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Device is the fake's stored device document.
type Device struct {
	ID         string `json:"_id"`
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName"`
	IP         string `json:"ip"`
	Photo      string `json:"photo"`
	Video      string `json:"video"`
	Changed    string `json:"changed"`
	Thumbnail  string `json:"thumbnail"`
	IsOnline   bool   `json:"isOnline"`
}

// Server is a registry for one or more locations backed by maps.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	nextID    int
	devices   map[string]*Device
	schedules map[string]json.RawMessage
	files     map[string][]byte
	calls     []string
	failing   map[string]int
}

// NewServer starts a fake registry. Close it when done.
func NewServer() *Server {
	s := &Server{
		devices:   map[string]*Device{},
		schedules: map[string]json.RawMessage{},
		files:     map[string][]byte{},
		failing:   map[string]int{},
	}

	r := chi.NewRouter()
	r.Use(s.record)
	r.Route("/api/locations/{loc}", func(r chi.Router) {
		r.Get("/devices", s.listDevices)
		r.Post("/devices/", s.addDevice)
		r.Route("/devices/{id}", func(r chi.Router) {
			r.Delete("/", s.removeDevice)
			r.Put("/ip", s.updateIP)
			r.Put("/changed-false", s.setField(func(d *Device, _ map[string]string) { d.Changed = "false" }))
			r.Delete("/delete-files", s.setField(func(d *Device, _ map[string]string) { d.Photo, d.Video = "", "" }))
			r.Put("/thumbnail", s.setField(func(d *Device, b map[string]string) { d.Thumbnail = b["thumbnail"] }))
			r.Put("/online", s.setField(func(d *Device, _ map[string]string) { d.IsOnline = true }))
			r.Put("/offline", s.setField(func(d *Device, _ map[string]string) { d.IsOnline = false }))
			r.Get("/schedules", s.listSchedules)
			r.Delete("/schedules", s.deleteSchedules)
		})
		r.Get("/files/{filename}", s.getFile)
	})
	s.Server = httptest.NewServer(r)
	return s
}

// BaseURL is the locations collection URL to configure clients with.
func (s *Server) BaseURL() string {
	return s.URL + "/api/locations"
}

// AddDevice seeds a device and returns its id.
func (s *Server) AddDevice(d Device) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		s.nextID++
		d.ID = fmt.Sprintf("dev%03d", s.nextID)
	}
	if d.Changed == "" {
		d.Changed = "false"
	}
	s.devices[d.ID] = &d
	return d.ID
}

// Device returns a copy of the stored device.
func (s *Server) Device(id string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// DeviceByClientID returns a copy of the device with the given client id.
func (s *Server) DeviceByClientID(clientID string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ClientID == clientID {
			return *d, true
		}
	}
	return Device{}, false
}

// Devices returns copies of all devices ordered by client id.
func (s *Server) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// SetSchedules stores the raw schedule array for a device.
func (s *Server) SetSchedules(deviceID, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[deviceID] = json.RawMessage(raw)
}

// Schedules returns the raw schedule array for a device, or "" if none.
func (s *Server) Schedules(deviceID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.schedules[deviceID])
}

// PutFile stores file content served from /files/{name}.
func (s *Server) PutFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = data
}

// FailNext makes the next n requests whose "METHOD path" contains match fail
// with 500.
func (s *Server) FailNext(match string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[match] = n
}

// Calls returns "METHOD path" for each request received.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallsMatching returns the recorded calls containing match.
func (s *Server) CallsMatching(match string) []string {
	var out []string
	for _, c := range s.Calls() {
		if strings.Contains(c, match) {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := r.Method + " " + r.URL.Path

		s.mu.Lock()
		s.calls = append(s.calls, call)
		for match, n := range s.failing {
			if n > 0 && strings.Contains(call, match) {
				s.failing[match] = n - 1
				s.mu.Unlock()
				http.Error(w, "injected failure", http.StatusInternalServerError)
				return
			}
		}
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Devices())
}

func (s *Server) addDevice(w http.ResponseWriter, r *http.Request) {
	var d Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	if _, exists := s.DeviceByClientID(d.ClientID); exists {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Device with this clientId already exists"})
		return
	}
	d.ID = ""
	id := s.AddDevice(d)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) removeDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.devices[id]
	delete(s.devices, id)
	delete(s.schedules, id)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Device not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateIP(w http.ResponseWriter, r *http.Request) {
	s.setField(func(d *Device, b map[string]string) { d.IP = b["ip"] })(w, r)
}

func (s *Server) setField(apply func(d *Device, body map[string]string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{}
		if r.ContentLength != 0 {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		s.mu.Lock()
		d, ok := s.devices[chi.URLParam(r, "id")]
		if ok {
			apply(d, body)
		}
		s.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Device not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "updated"})
	}
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	raw := s.Schedules(chi.URLParam(r, "id"))
	if raw == "" {
		raw = "[]"
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(raw))
}

func (s *Server) deleteSchedules(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delete(s.schedules, chi.URLParam(r, "id"))
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	s.mu.Lock()
	data, ok := s.files[name]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "File not found"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}
