// Package monitoring serves the state of the GPU memory managers of a
// process over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/mem/vm/gmmu"
	"github.com/sarchlab/gpuvm/mem/vm/hwsync"
)

// Monitor turns a process that owns memory managers into a server that
// reports their address spaces, mappings and hardware maintenance counters.
type Monitor struct {
	portNumber int
	log        logrus.FieldLogger

	devicesLock sync.Mutex
	devices     []*gmmu.MM

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{log: logrus.StandardLogger()}
}

// WithLogger sets the logger that reports the server state.
func (m *Monitor) WithLogger(log logrus.FieldLogger) *Monitor {
	m.log = log
	return m
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		m.log.WithField("port", portNumber).
			Warn("monitoring port below 1000 not allowed, using a random port")
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterDevice registers a memory manager to be monitored.
func (m *Monitor) RegisterDevice(mm *gmmu.MM) {
	m.devicesLock.Lock()
	defer m.devicesLock.Unlock()

	m.devices = append(m.devices, mm)
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the HTTP routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/devices", m.listDevices)
	r.HandleFunc("/api/device/{device}/spaces", m.listSpaces)
	r.HandleFunc("/api/device/{device}/space/{space}", m.spaceStats)
	r.HandleFunc("/api/device/{device}/space/{space}/mappings", m.listMappings)
	r.HandleFunc("/api/device/{device}/space/{space}/regions", m.listRegions)
	r.HandleFunc("/api/device/{device}/space/{space}/translate/{va}",
		m.translate)
	r.HandleFunc("/api/device/{device}/sync", m.syncStats)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	return r
}

// StartServer starts the monitor as a web server and returns its URL.
func (m *Monitor) StartServer() string {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	m.dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.log.WithField("url", url).Info("monitoring GPU memory")

	go func() {
		err := http.Serve(listener, m.Router())
		m.dieOnErr(err)
	}()

	return url
}

type deviceRsp struct {
	Name          string `json:"name"`
	Chip          string `json:"chip"`
	Powered       bool   `json:"powered"`
	AddressSpaces int    `json:"address_spaces"`
	Buffers       int    `json:"buffers"`
}

func (m *Monitor) listDevices(w http.ResponseWriter, _ *http.Request) {
	m.devicesLock.Lock()
	devices := append([]*gmmu.MM(nil), m.devices...)
	m.devicesLock.Unlock()

	rsp := make([]deviceRsp, 0, len(devices))
	for _, d := range devices {
		rsp = append(rsp, deviceRsp{
			Name:          d.Name(),
			Chip:          d.Chip().Name(),
			Powered:       d.SyncUnit().Powered(),
			AddressSpaces: len(d.AddressSpaces()),
			Buffers:       d.Buffers().NumBuffers(),
		})
	}

	m.writeJSON(w, rsp)
}

func (m *Monitor) listSpaces(w http.ResponseWriter, r *http.Request) {
	d := m.findDeviceOr404(w, r)
	if d == nil {
		return
	}

	spaces := d.AddressSpaces()
	rsp := make([]gmmu.Stats, 0, len(spaces))

	for _, as := range spaces {
		rsp = append(rsp, as.Stats())
	}

	m.writeJSON(w, rsp)
}

func (m *Monitor) spaceStats(w http.ResponseWriter, r *http.Request) {
	as := m.findSpaceOr404(w, r)
	if as == nil {
		return
	}

	m.writeJSON(w, as.Stats())
}

func (m *Monitor) listMappings(w http.ResponseWriter, r *http.Request) {
	as := m.findSpaceOr404(w, r)
	if as == nil {
		return
	}

	m.writeJSON(w, as.Mappings())
}

func (m *Monitor) listRegions(w http.ResponseWriter, r *http.Request) {
	as := m.findSpaceOr404(w, r)
	if as == nil {
		return
	}

	m.writeJSON(w, as.Regions())
}

type translateRsp struct {
	VA     uint64 `json:"va"`
	Mapped bool   `json:"mapped"`
	Addr   uint64 `json:"addr"`
}

func (m *Monitor) translate(w http.ResponseWriter, r *http.Request) {
	as := m.findSpaceOr404(w, r)
	if as == nil {
		return
	}

	va, err := strconv.ParseUint(mux.Vars(r)["va"], 0, 64)
	if err != nil {
		http.Error(w, "bad virtual address", http.StatusBadRequest)
		return
	}

	addr, ok := as.Translate(va)
	m.writeJSON(w, translateRsp{VA: va, Mapped: ok, Addr: addr})
}

type syncRsp struct {
	Op      string         `json:"op"`
	State   string         `json:"state"`
	Counter hwsync.OpStats `json:"counter"`
}

func (m *Monitor) syncStats(w http.ResponseWriter, r *http.Request) {
	d := m.findDeviceOr404(w, r)
	if d == nil {
		return
	}

	unit := d.SyncUnit()
	ops := []hwsync.Op{
		hwsync.OpFBFlush,
		hwsync.OpL2Invalidate,
		hwsync.OpL2Flush,
		hwsync.OpTLBInvalidate,
		hwsync.OpCBCClear,
	}

	rsp := make([]syncRsp, 0, len(ops))
	for _, op := range ops {
		rsp = append(rsp, syncRsp{
			Op:      op.String(),
			State:   unit.State(op).String(),
			Counter: unit.Stats(op),
		})
	}

	m.writeJSON(w, rsp)
}

func (m *Monitor) findDeviceOr404(
	w http.ResponseWriter,
	r *http.Request,
) *gmmu.MM {
	name := mux.Vars(r)["device"]

	m.devicesLock.Lock()
	defer m.devicesLock.Unlock()

	for _, d := range m.devices {
		if d.Name() == name {
			return d
		}
	}

	http.Error(w, "Device not found", http.StatusNotFound)

	return nil
}

func (m *Monitor) findSpaceOr404(
	w http.ResponseWriter,
	r *http.Request,
) *gmmu.AddressSpace {
	d := m.findDeviceOr404(w, r)
	if d == nil {
		return nil
	}

	as, ok := d.AddressSpace(mux.Vars(r)["space"])
	if !ok {
		http.Error(w, "Address space not found", http.StatusNotFound)
		return nil
	}

	return as
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	for _, b := range m.progressBars {
		b.Lock()
	}

	bytes, err := json.Marshal(m.progressBars)

	for _, b := range m.progressBars {
		b.Unlock()
	}

	m.dieOnErr(err)

	_, err = w.Write(bytes)
	m.dieOnErr(err)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	m.dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	m.dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	m.dieOnErr(err)

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	m.dieOnErr(err)

	m.writeJSON(w, prof)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	m.dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	m.dieOnErr(err)
}

func (m *Monitor) dieOnErr(err error) {
	if err != nil {
		m.log.WithError(err).Panic("monitor failed")
	}
}
